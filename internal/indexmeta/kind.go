package indexmeta

import (
	"encoding/json"
	"fmt"
	"slices"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// Kind is the closed set of index families.
type Kind int

const (
	KindDatabase Kind = iota + 1
	KindSearch
	KindVector
)

var kindNames = map[Kind]string{
	KindDatabase: "database",
	KindSearch:   "search",
	KindVector:   "vector",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, apperrors.Newf(apperrors.ErrMalformedRecord, "unknown index kind %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("marshalling unknown index kind %d", int(k))
	}
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return apperrors.Newf(apperrors.ErrMalformedRecord, "index kind: %v", err)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DeveloperConfig is the user-visible definition of an index. Exactly one
// member is set, matching the index kind.
type DeveloperConfig struct {
	Database *DatabaseConfig `json:"database,omitempty"`
	Text     *TextConfig     `json:"text,omitempty"`
	Vector   *VectorConfig   `json:"vector,omitempty"`
}

// DatabaseConfig lists the document fields an ordered index is keyed on.
type DatabaseConfig struct {
	Fields []string `json:"fields"`
}

type TextConfig struct {
	SearchField  string   `json:"search_field"`
	FilterFields []string `json:"filter_fields,omitempty"`
}

type VectorConfig struct {
	VectorField  string   `json:"vector_field"`
	Dimensions   int      `json:"dimensions"`
	FilterFields []string `json:"filter_fields,omitempty"`
}

// Validate checks that c is a well-formed definition for kind.
func (c DeveloperConfig) Validate(kind Kind) error {
	set := 0
	for _, p := range []bool{c.Database != nil, c.Text != nil, c.Vector != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return apperrors.Newf(apperrors.ErrInvalidInput, "developer config must set exactly one kind, got %d", set)
	}
	switch kind {
	case KindDatabase:
		if c.Database == nil || len(c.Database.Fields) == 0 {
			return apperrors.New(apperrors.ErrInvalidInput, "database index needs at least one field")
		}
	case KindSearch:
		if c.Text == nil || c.Text.SearchField == "" {
			return apperrors.New(apperrors.ErrInvalidInput, "search index needs a search field")
		}
	case KindVector:
		if c.Vector == nil || c.Vector.VectorField == "" {
			return apperrors.New(apperrors.ErrInvalidInput, "vector index needs a vector field")
		}
		if c.Vector.Dimensions <= 0 {
			return apperrors.Newf(apperrors.ErrInvalidInput, "vector index needs positive dimensions, got %d", c.Vector.Dimensions)
		}
	default:
		return apperrors.Newf(apperrors.ErrInvalidInput, "unknown index kind %d", int(kind))
	}
	return nil
}

// Equal compares two definitions field by field.
func (c DeveloperConfig) Equal(other DeveloperConfig) bool {
	switch {
	case c.Database != nil && other.Database != nil:
		return slices.Equal(c.Database.Fields, other.Database.Fields)
	case c.Text != nil && other.Text != nil:
		return c.Text.SearchField == other.Text.SearchField &&
			slices.Equal(c.Text.FilterFields, other.Text.FilterFields)
	case c.Vector != nil && other.Vector != nil:
		return c.Vector.VectorField == other.Vector.VectorField &&
			c.Vector.Dimensions == other.Vector.Dimensions &&
			slices.Equal(c.Vector.FilterFields, other.Vector.FilterFields)
	default:
		return false
	}
}
