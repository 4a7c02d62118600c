package supervisor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// MemoryGuard fails heavy builds with ErrOverloaded while system memory use
// is above a threshold.
type MemoryGuard struct {
	maxPercent float64
	sample     func(ctx context.Context) (float64, error)
}

// NewMemoryGuard returns a guard for maxPercent used memory. A threshold
// of zero or less disables it.
func NewMemoryGuard(maxPercent float64) *MemoryGuard {
	return &MemoryGuard{maxPercent: maxPercent, sample: usedMemoryPercent}
}

func usedMemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading memory stats: %w", err)
	}
	return vm.UsedPercent, nil
}

func (g *MemoryGuard) Check(ctx context.Context) error {
	if g == nil || g.maxPercent <= 0 {
		return nil
	}
	used, err := g.sample(ctx)
	if err != nil {
		return err
	}
	if used > g.maxPercent {
		return apperrors.Newf(apperrors.ErrOverloaded, "memory use %.1f%% is above %.1f%%", used, g.maxPercent)
	}
	return nil
}
