// Package documents is the primary document log the secondary indexes are
// built from. Every write stores the latest version of the document under
// _doc/<table>/<id> and appends a revision (prev, next) under
// _rev/<table>/<commit ts>/<id>, so index workers can both page through a
// table and replay what changed in a timestamp range.
package documents

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
	"github.com/golang/snappy"
)

// Document is one row of a table.
type Document struct {
	ID     string         `json:"id"`
	Table  string         `json:"table"`
	Fields map[string]any `json:"fields"`
}

// Field resolves a dotted path such as "author.name". The second result is
// false when any step of the path is missing.
func (d *Document) Field(path string) (any, bool) {
	if d == nil {
		return nil, false
	}
	var cur any = d.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SizeBytes is the encoded JSON size, used for segment size estimates.
func (d *Document) SizeBytes() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}

func encodeValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document value: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func decodeValue(raw []byte, v any) error {
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return apperrors.Newf(apperrors.ErrMalformedRecord, "decompressing document value: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Newf(apperrors.ErrMalformedRecord, "decoding document value: %v", err)
	}
	return nil
}

func decodeDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := decodeValue(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	return &doc, nil
}
