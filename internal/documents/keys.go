package documents

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/interval"
	"github.com/Adithya-Monish-Kumar-K/search-index-workers/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

const (
	docRoot = "_doc/"
	revRoot = "_rev/"
)

const (
	maxTableLength = 128
	maxIDLength    = 1024
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrInvalidInput }

// Validate checks that table and id can be embedded in storage keys.
func Validate(table, id string) error {
	errs := make(map[string]string)
	switch {
	case table == "":
		errs["table"] = "table is required"
	case len(table) > maxTableLength:
		errs["table"] = fmt.Sprintf("table must be at most %d bytes", maxTableLength)
	case strings.ContainsAny(table, "/\x00"):
		errs["table"] = "table must not contain '/' or NUL"
	}
	switch {
	case id == "":
		errs["id"] = "id is required"
	case len(id) > maxIDLength:
		errs["id"] = fmt.Sprintf("id must be at most %d bytes", maxIDLength)
	case strings.Contains(id, "\x00"):
		errs["id"] = "id must not contain NUL"
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// TablePrefix is the key prefix holding every document of table.
func TablePrefix(table string) interval.Key {
	return interval.Key(docRoot + table + "/")
}

// TableInterval is the key range of every document of table.
func TableInterval(table string) interval.Interval {
	return interval.Prefix(TablePrefix(table))
}

// DocKey is _doc/<table>/<id>\x00. The terminator keeps every document key
// from being a prefix of another, so a key can serve as a scan cursor.
func DocKey(table, id string) interval.Key {
	k := make(interval.Key, 0, len(docRoot)+len(table)+len(id)+2)
	k = append(k, docRoot...)
	k = append(k, table...)
	k = append(k, '/')
	k = append(k, id...)
	return append(k, 0)
}

// ParseDocKey splits a document key into table and id.
func ParseDocKey(key interval.Key) (table, id string, err error) {
	rest, ok := bytes.CutPrefix(key, []byte(docRoot))
	if !ok || len(rest) == 0 || rest[len(rest)-1] != 0 {
		return "", "", apperrors.Newf(apperrors.ErrMalformedRecord, "not a document key: %q", []byte(key))
	}
	t, i, ok := bytes.Cut(rest[:len(rest)-1], []byte("/"))
	if !ok {
		return "", "", apperrors.Newf(apperrors.ErrMalformedRecord, "document key without table: %q", []byte(key))
	}
	return string(t), string(i), nil
}

// RevisionPrefix is the key prefix of table's revision log.
func RevisionPrefix(table string) interval.Key {
	return interval.Key(revRoot + table + "/")
}

// RevisionInterval is the part of table's revision log with commit
// timestamps in (lower, upper].
func RevisionInterval(table string, lower, upper storage.Timestamp) interval.Interval {
	prefix := RevisionPrefix(table)
	if upper <= lower {
		return interval.Empty()
	}
	start := append(prefix.Clone(), storage.EncodeTS(lower+1)...)
	if upper == ^storage.Timestamp(0) {
		return interval.Interval{Start: start, End: interval.AfterPrefix(prefix)}
	}
	end := append(prefix.Clone(), storage.EncodeTS(upper+1)...)
	return interval.Interval{Start: start, End: interval.Excluded(end)}
}

func parseRevisionKey(table string, key interval.Key) (storage.Timestamp, string, error) {
	rest, ok := bytes.CutPrefix(key, RevisionPrefix(table))
	if !ok || len(rest) < 9 || rest[len(rest)-1] != 0 {
		return 0, "", apperrors.Newf(apperrors.ErrMalformedRecord, "not a revision key of %s: %q", table, []byte(key))
	}
	ts, err := storage.DecodeTS(rest[:8])
	if err != nil {
		return 0, "", err
	}
	return ts, string(rest[8 : len(rest)-1]), nil
}
