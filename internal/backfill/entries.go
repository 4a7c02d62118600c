package backfill

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/documents"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/indexmeta"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
)

const entryRoot = "_idx/"

// Value type tags. Their order is the cross-type sort order of index keys.
const (
	tagUndefined byte = 0x01
	tagNull      byte = 0x02
	tagFalse     byte = 0x03
	tagTrue      byte = 0x04
	tagNumber    byte = 0x05
	tagString    byte = 0x06
	tagComposite byte = 0x07
)

// EntryPrefix is the key prefix of every entry of the index with id.
func EntryPrefix(indexID string) interval.Key {
	return interval.Key(entryRoot + indexID + "/")
}

// EntryKey is the ordered key of doc in a database index: the index prefix,
// each configured field encoded so that byte order is value order, then the
// NUL-terminated document id.
func EntryKey(indexID string, fields []string, doc *documents.Document) interval.Key {
	k := EntryPrefix(indexID)
	for _, f := range fields {
		v, ok := doc.Field(f)
		k = appendValue(k, v, ok)
	}
	k = append(k, doc.ID...)
	return append(k, 0)
}

func appendValue(k interval.Key, v any, present bool) interval.Key {
	if !present {
		return append(k, tagUndefined)
	}
	switch x := v.(type) {
	case nil:
		return append(k, tagNull)
	case bool:
		if x {
			return append(k, tagTrue)
		}
		return append(k, tagFalse)
	case float64:
		return appendNumber(k, x)
	case int:
		return appendNumber(k, float64(x))
	case int64:
		return appendNumber(k, float64(x))
	case json.Number:
		f, _ := x.Float64()
		return appendNumber(k, f)
	case string:
		return appendString(append(k, tagString), x)
	default:
		data, _ := json.Marshal(x)
		return appendString(append(k, tagComposite), string(data))
	}
}

// appendNumber writes a float64 so that unsigned byte order matches numeric
// order: positives get the sign bit set, negatives are inverted.
func appendNumber(k interval.Key, f float64) interval.Key {
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return append(append(k, tagNumber), buf[:]...)
}

// appendString escapes NUL as 0x00 0xff and terminates with 0x00 0x01, so a
// string sorts before any of its extensions.
func appendString(k interval.Key, s string) interval.Key {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			k = append(k, 0x00, 0xff)
			continue
		}
		k = append(k, s[i])
	}
	return append(k, 0x00, 0x01)
}

// Maintainer keeps database index entries in step with document writes. It
// covers indexes in every phase, so entries written by a running backfill
// stay correct as the table changes underneath it.
type Maintainer struct {
	model *indexmeta.Model
}

func NewMaintainer(model *indexmeta.Model) *Maintainer {
	return &Maintainer{model: model}
}

func (m *Maintainer) OnWrite(tx *storage.Transaction, table string, prev, next *documents.Document) error {
	indexes, err := m.model.ListByTable(tx, table)
	if err != nil {
		return err
	}
	for _, ix := range indexes {
		if ix.Kind != indexmeta.KindDatabase || ix.DeveloperConfig.Database == nil {
			continue
		}
		fields := ix.DeveloperConfig.Database.Fields
		if prev != nil {
			if err := tx.Delete(EntryKey(ix.ID, fields, prev)); err != nil {
				return err
			}
		}
		if next != nil {
			if err := tx.Set(EntryKey(ix.ID, fields, next), []byte(next.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Scan returns document ids of the index with id in index order. Entry
// values hold the id, since numeric field encodings may contain any byte.
func Scan(tx *storage.Transaction, indexID string, order interval.Order, limit int) ([]string, error) {
	prefix := EntryPrefix(indexID)
	kvs, err := tx.Scan(interval.Prefix(prefix), order, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		ids = append(ids, string(kv.Value))
	}
	return ids, nil
}
