package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/cockroachdb/pebble"
)

type pendingWrite struct {
	value   []byte
	deleted bool
}

// deferredWrite is a write whose key embeds the commit timestamp, which is
// only known once validation passes.
type deferredWrite struct {
	prefix []byte
	suffix []byte
	value  []byte
}

// KV is one scanned entry.
type KV struct {
	Key   interval.Key
	Value []byte
}

// Transaction is a single-use OCC transaction. It is not safe for concurrent
// use.
type Transaction struct {
	engine   *Engine
	beginTS  Timestamp
	snap     *pebble.Snapshot
	reads    *interval.Set
	writes   map[string]pendingWrite
	deferred []deferredWrite
	onCommit []func(Timestamp)
	done     bool
}

// BeginTS is the timestamp of the newest commit visible to this transaction.
func (tx *Transaction) BeginTS() Timestamp { return tx.beginTS }

// ReadSet returns the intervals this transaction has read so far.
func (tx *Transaction) ReadSet() []interval.Interval { return tx.reads.Intervals() }

func (tx *Transaction) checkOpen() error {
	if tx.done {
		return apperrors.New(apperrors.ErrInternal, "transaction already finished")
	}
	return nil
}

// Get reads one key. The key is added to the read set whether or not it
// exists.
func (tx *Transaction) Get(key interval.Key) ([]byte, bool, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, false, err
	}
	tx.reads.Add(interval.Interval{Start: key.Clone(), End: interval.Excluded(key.Successor())})
	if w, ok := tx.writes[string(key)]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	value, closer, err := tx.snap.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %q: %w", key, err)
	}
	out := bytes.Clone(value)
	closer.Close()
	return out, true, nil
}

// Scan returns up to limit entries of iv in order, merging this transaction's
// own writes. limit <= 0 means no limit. Only the part of iv actually
// consumed joins the read set.
func (tx *Transaction) Scan(iv interval.Interval, order interval.Order, limit int) ([]KV, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if iv.IsEmpty() {
		return nil, nil
	}

	opts := &pebble.IterOptions{LowerBound: iv.Start}
	if !iv.End.IsUnbounded() {
		opts.UpperBound = iv.End.Key()
	}
	iter, err := tx.snap.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("opening iterator on %s: %w", iv, err)
	}
	defer iter.Close()

	local := tx.localWrites(iv, order)
	less := func(a, b []byte) bool {
		if order == interval.Desc {
			return bytes.Compare(a, b) > 0
		}
		return bytes.Compare(a, b) < 0
	}

	var out []KV
	full := func() bool { return limit > 0 && len(out) >= limit }
	valid := iter.First()
	if order == interval.Desc {
		valid = iter.Last()
	}
	advance := func() bool {
		if order == interval.Desc {
			return iter.Prev()
		}
		return iter.Next()
	}

	li := 0
	for !full() && (valid || li < len(local)) {
		if li < len(local) && (!valid || !less(iter.Key(), local[li].key)) {
			w := local[li]
			if valid && bytes.Equal(iter.Key(), w.key) {
				valid = advance()
			}
			li++
			if !w.deleted {
				out = append(out, KV{Key: interval.Key(w.key), Value: w.value})
			}
			continue
		}
		out = append(out, KV{Key: bytes.Clone(iter.Key()), Value: bytes.Clone(iter.Value())})
		valid = advance()
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", iv, err)
	}

	read := iv
	if full() {
		last := out[len(out)-1].Key
		if order == interval.Desc {
			read = interval.Interval{Start: last.Clone(), End: iv.End}
		} else {
			read = interval.Interval{Start: iv.Start, End: interval.Excluded(last.Successor())}
		}
	}
	tx.reads.Add(read)
	return out, nil
}

type localWrite struct {
	key     []byte
	value   []byte
	deleted bool
}

func (tx *Transaction) localWrites(iv interval.Interval, order interval.Order) []localWrite {
	var out []localWrite
	for k, w := range tx.writes {
		if iv.Contains(interval.Key(k)) {
			out = append(out, localWrite{key: []byte(k), value: w.value, deleted: w.deleted})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		c := bytes.Compare(out[i].key, out[j].key)
		if order == interval.Desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

// Count returns the number of live keys in iv and adds iv to the read set.
func (tx *Transaction) Count(iv interval.Interval) (int, error) {
	kvs, err := tx.Scan(iv, interval.Asc, 0)
	if err != nil {
		return 0, err
	}
	return len(kvs), nil
}

func (tx *Transaction) Set(key interval.Key, value []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if len(key) == 0 {
		return apperrors.New(apperrors.ErrInvalidInput, "empty key")
	}
	tx.writes[string(key)] = pendingWrite{value: bytes.Clone(value)}
	return nil
}

func (tx *Transaction) Delete(key interval.Key) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.writes[string(key)] = pendingWrite{deleted: true}
	return nil
}

// SetAtCommit writes prefix + EncodeTS(commitTS) + suffix. Such keys are
// invisible to this transaction's own reads.
func (tx *Transaction) SetAtCommit(prefix, suffix []byte, value []byte) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.deferred = append(tx.deferred, deferredWrite{
		prefix: bytes.Clone(prefix),
		suffix: bytes.Clone(suffix),
		value:  bytes.Clone(value),
	})
	return nil
}

// OnCommit registers fn to run with the commit timestamp after a successful
// commit.
func (tx *Transaction) OnCommit(fn func(ts Timestamp)) {
	tx.onCommit = append(tx.onCommit, fn)
}

// HasWrites reports whether committing would change any key.
func (tx *Transaction) HasWrites() bool {
	return len(tx.writes) > 0 || len(tx.deferred) > 0
}

// Abort releases the transaction without committing. It is safe to call
// after Commit.
func (tx *Transaction) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.snap.Close()
}

// Commit validates and applies the transaction. A read-only transaction
// commits at its begin timestamp without advancing the clock.
func (tx *Transaction) Commit(ctx context.Context, source string) (Timestamp, error) {
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		tx.Abort()
		return 0, err
	}
	e := tx.engine
	if !tx.HasWrites() {
		tx.Abort()
		for _, fn := range tx.onCommit {
			fn(tx.beginTS)
		}
		return tx.beginTS, nil
	}

	e.mu.Lock()
	if err := e.validate(tx); err != nil {
		e.mu.Unlock()
		tx.Abort()
		e.notifyConflicted(source)
		return 0, err
	}
	ts := e.nextTS()

	batch := e.db.NewBatch()
	rec := &commitRecord{source: source, keys: make([][]byte, 0, len(tx.writes)+len(tx.deferred))}
	for k, w := range tx.writes {
		key := []byte(k)
		var err error
		if w.deleted {
			err = batch.Delete(key, nil)
		} else {
			err = batch.Set(key, w.value, nil)
		}
		if err != nil {
			e.mu.Unlock()
			batch.Close()
			tx.Abort()
			return 0, fmt.Errorf("staging write: %w", err)
		}
		rec.keys = append(rec.keys, key)
	}
	for _, d := range tx.deferred {
		key := make([]byte, 0, len(d.prefix)+8+len(d.suffix))
		key = append(key, d.prefix...)
		key = append(key, EncodeTS(ts)...)
		key = append(key, d.suffix...)
		if err := batch.Set(key, d.value, nil); err != nil {
			e.mu.Unlock()
			batch.Close()
			tx.Abort()
			return 0, fmt.Errorf("staging write: %w", err)
		}
		rec.keys = append(rec.keys, key)
	}
	if err := batch.Set(metaTSKey, EncodeTS(ts), nil); err != nil {
		e.mu.Unlock()
		batch.Close()
		tx.Abort()
		return 0, fmt.Errorf("staging commit clock: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		e.mu.Unlock()
		tx.Abort()
		return 0, fmt.Errorf("committing batch: %w", err)
	}
	e.latest = ts
	e.latestAtomic.Store(uint64(ts))
	e.appendLog(ts, rec)
	e.commitsSinceLoad.Add(1)
	e.mu.Unlock()

	tx.Abort()
	e.notifyCommitted(source, ts)
	for _, fn := range tx.onCommit {
		fn(ts)
	}
	return ts, nil
}
