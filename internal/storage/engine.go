// Package storage is the transactional key-value engine the index workers run
// on. It layers optimistic concurrency control over pebble: a transaction
// reads from a pebble snapshot taken at begin, records every key and range it
// read in an interval.Set, and buffers its writes. Commit validates the read
// set against the writes of every transaction that committed after begin and
// fails with errors.ErrOccConflict on overlap.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

var metaTSKey = []byte("_meta/ts")

// CommitObserver receives commit outcomes, for metrics.
type CommitObserver interface {
	Committed(source string, ts Timestamp)
	Conflicted(source string)
}

type commitRecord struct {
	source string
	keys   [][]byte
}

// Engine owns the pebble database, the commit clock and the commit log.
type Engine struct {
	db     *pebble.DB
	logger *slog.Logger

	// mu serialises Begin snapshots against commits so that a snapshot taken
	// at latest reflects exactly the commits with ts <= latest.
	mu      sync.Mutex
	latest  Timestamp
	log     *rbt.Tree // Timestamp -> *commitRecord
	logSize int
	// truncated is the newest timestamp dropped from the log. Transactions
	// that began before it cannot be validated.
	truncated Timestamp

	latestAtomic     atomic.Uint64
	commitsSinceLoad atomic.Uint64
	observer         atomic.Pointer[observerBox]
	now              func() time.Time
	closed           atomic.Bool
}

type observerBox struct{ CommitObserver }

// Open opens (or creates) the engine described by cfg.
func Open(cfg config.StorageConfig) (*Engine, error) {
	opts := &pebble.Options{}
	dir := cfg.Dir
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		dir = ""
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %q: %w", dir, err)
	}

	logSize := cfg.CommitLogSize
	if logSize <= 0 {
		logSize = 10000
	}
	e := &Engine{
		db:      db,
		logger:  slog.Default().With("component", "storage"),
		log:     rbt.NewWith(utils.UInt64Comparator),
		logSize: logSize,
		now:     time.Now,
	}

	value, closer, err := db.Get(metaTSKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("reading commit clock: %w", err)
	default:
		ts, decodeErr := DecodeTS(value)
		closer.Close()
		if decodeErr != nil {
			db.Close()
			return nil, fmt.Errorf("reading commit clock: %w", decodeErr)
		}
		e.latest = ts
	}
	e.truncated = e.latest
	e.latestAtomic.Store(uint64(e.latest))
	e.logger.Info("storage engine opened", "dir", dir, "in_memory", cfg.InMemory, "latest_ts", e.latest)
	return e, nil
}

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}

// DB exposes the pebble handle for metrics collection.
func (e *Engine) DB() *pebble.DB { return e.db }

func (e *Engine) SetObserver(o CommitObserver) {
	e.observer.Store(&observerBox{o})
}

// CommitsSinceLoad counts write commits since the engine was opened. It is
// the only shared counter the fast-forward debounce consults.
func (e *Engine) CommitsSinceLoad() uint64 { return e.commitsSinceLoad.Load() }

func (e *Engine) LatestCommitTS() Timestamp { return Timestamp(e.latestAtomic.Load()) }

// Ping verifies the engine can serve reads.
func (e *Engine) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed.Load() {
		return errors.New("storage engine closed")
	}
	_, closer, err := e.db.Get(metaTSKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return closer.Close()
}

// Begin starts a transaction reading at the latest commit.
func (e *Engine) Begin(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, apperrors.New(apperrors.ErrInternal, "storage engine closed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Transaction{
		engine:  e,
		beginTS: e.latest,
		snap:    e.db.NewSnapshot(),
		reads:   interval.NewSet(),
		writes:  make(map[string]pendingWrite),
	}, nil
}

// InTx runs fn in a fresh transaction and commits it with the given write
// source. The transaction is aborted if fn fails.
func (e *Engine) InTx(ctx context.Context, source string, fn func(tx *Transaction) error) (Timestamp, error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return 0, err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return 0, err
	}
	return tx.Commit(ctx, source)
}

func (e *Engine) nextTS() Timestamp {
	ts := Timestamp(e.now().UnixNano())
	if ts <= e.latest {
		ts = e.latest + 1
	}
	return ts
}

// validate reports whether any commit after tx began wrote a key tx read.
// Callers hold e.mu.
func (e *Engine) validate(tx *Transaction) error {
	if tx.reads.IsEmpty() || e.latest == tx.beginTS {
		return nil
	}
	if tx.beginTS < e.truncated {
		return apperrors.Newf(apperrors.ErrOccConflict, "transaction began at %d, before the retained commit log (%d)", tx.beginTS, e.truncated)
	}
	it := e.log.Iterator()
	it.End()
	for it.Prev() {
		ts := Timestamp(it.Key().(uint64))
		if ts <= tx.beginTS {
			break
		}
		rec := it.Value().(*commitRecord)
		for _, k := range rec.keys {
			if tx.reads.Contains(k) {
				return apperrors.Newf(apperrors.ErrOccConflict, "key %q written at %d by %s after read at %d", k, ts, rec.source, tx.beginTS)
			}
		}
	}
	return nil
}

func (e *Engine) appendLog(ts Timestamp, rec *commitRecord) {
	e.log.Put(uint64(ts), rec)
	for e.log.Size() > e.logSize {
		oldest := e.log.Left()
		e.truncated = Timestamp(oldest.Key.(uint64))
		e.log.Remove(oldest.Key)
	}
}

func (e *Engine) notifyCommitted(source string, ts Timestamp) {
	if box := e.observer.Load(); box != nil {
		box.Committed(source, ts)
	}
}

func (e *Engine) notifyConflicted(source string) {
	if box := e.observer.Load(); box != nil {
		box.Conflicted(source)
	}
}
