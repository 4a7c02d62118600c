package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// Timestamp is a commit timestamp in nanoseconds since the Unix epoch. The
// engine hands out strictly increasing timestamps, so a timestamp is both a
// version and a wall-clock instant.
type Timestamp uint64

func (ts Timestamp) Time() time.Time { return time.Unix(0, int64(ts)) }

// Age is how long before now ts was taken. It is zero for future timestamps.
func (ts Timestamp) Age(now time.Time) time.Duration {
	d := now.Sub(ts.Time())
	if d < 0 {
		return 0
	}
	return d
}

func (ts Timestamp) Succ() Timestamp { return ts + 1 }

func (ts Timestamp) String() string { return fmt.Sprintf("%d", uint64(ts)) }

// MaxTS returns the largest of the given timestamps.
func MaxTS(first Timestamp, rest ...Timestamp) Timestamp {
	m := first
	for _, ts := range rest {
		if ts > m {
			m = ts
		}
	}
	return m
}

// EncodeTS is the order-preserving 8-byte big-endian form used inside keys.
func EncodeTS(ts Timestamp) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return buf[:]
}

func DecodeTS(b []byte) (Timestamp, error) {
	if len(b) < 8 {
		return 0, apperrors.Newf(apperrors.ErrMalformedRecord, "timestamp needs 8 bytes, got %d", len(b))
	}
	return Timestamp(binary.BigEndian.Uint64(b)), nil
}
