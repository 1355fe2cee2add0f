package ingest

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Primary key choices for SchemaInput.PrimaryKey besides a column index.
const (
	NoPrimaryKey   = -1
	AutoPrimaryKey = -2
)

// Field is one column of the destination table.
type Field struct {
	Name          string     `json:"name"`
	Caption       string     `json:"caption"`
	Type          ColumnType `json:"type"`
	PrimaryKey    bool       `json:"primaryKey,omitempty"`
	AutoIncrement bool       `json:"autoIncrement,omitempty"`
	// Source is the input column feeding this field, -1 for a synthesized key.
	Source int `json:"source"`
}

// DestinationSchema describes the table an import creates.
type DestinationSchema struct {
	Table  string  `json:"table"`
	Fields []Field `json:"fields"`
}

// Validate checks the schema can be created: a table name, at least one field,
// unique non-empty field names and at most one integer primary key.
func (s *DestinationSchema) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: schema is nil", ErrInvalidSchema)
	}
	if strings.TrimSpace(s.Table) == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalidSchema)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}

	seen := make(map[string]bool, len(s.Fields))
	pk := 0
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidSchema, i)
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return fmt.Errorf("%w: duplicate field name %q", ErrInvalidSchema, f.Name)
		}
		seen[key] = true

		if f.Source < 0 && !f.AutoIncrement {
			return fmt.Errorf("%w: field %q has no source column", ErrInvalidSchema, f.Name)
		}
		if f.PrimaryKey {
			pk++
			if f.Type != TypeInteger {
				return fmt.Errorf("%w: primary key %q must be an integer", ErrInvalidSchema, f.Name)
			}
		}
		if f.Type == TypeUndetermined {
			return fmt.Errorf("%w: field %q has no type", ErrInvalidSchema, f.Name)
		}
	}
	if pk > 1 {
		return ErrMultiplePrimaryKeys
	}
	return nil
}

// PrimaryKey returns the index of the primary key field, or -1.
func (s *DestinationSchema) PrimaryKey() int {
	for i, f := range s.Fields {
		if f.PrimaryKey {
			return i
		}
	}
	return -1
}

// DataFields returns the fields fed from input columns.
func (s *DestinationSchema) DataFields() []Field {
	out := make([]Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Source >= 0 {
			out = append(out, f)
		}
	}
	return out
}


// Names returns the field names in order.
func (s *DestinationSchema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// SchemaInput is what BuildSchema derives a table from.
type SchemaInput struct {
	Table   string
	Columns []ColumnState
	Header  []string
	// PrimaryKey is a column index, NoPrimaryKey or AutoPrimaryKey.
	PrimaryKey int
	// ImplicitKey adds an auto-increment "id" field when no primary key is chosen.
	ImplicitKey bool
}

// BuildSchema turns detected (and user adjusted) columns into a table definition.
func BuildSchema(in SchemaInput) (*DestinationSchema, error) {
	if len(in.Columns) == 0 {
		return nil, ErrNoColumns
	}
	table := Identifier(in.Table)
	if strings.TrimSpace(in.Table) == "" {
		return nil, fmt.Errorf("%w: table name is required", ErrInvalidSchema)
	}

	pk := in.PrimaryKey
	switch {
	case pk == AutoPrimaryKey:
		pk = NoPrimaryKey
		for _, c := range in.Columns {
			if c.UniqueCandidate && c.Type == TypeInteger {
				pk = c.Index
				break
			}
		}
	case pk >= len(in.Columns):
		return nil, fmt.Errorf("%w: primary key column %d out of range", ErrInvalidSchema, pk)
	case pk >= 0 && in.Columns[pk].Type != TypeInteger:
		return nil, fmt.Errorf("%w: primary key column %d is %s, not integer", ErrInvalidSchema, pk, in.Columns[pk].Type)
	case pk < AutoPrimaryKey:
		pk = NoPrimaryKey
	}

	schema := &DestinationSchema{Table: table}
	taken := make(map[string]bool)

	data := make([]Field, 0, len(in.Columns))
	for i, c := range in.Columns {
		caption := columnCaption(c, in.Header)
		name := Identifier(caption)
		if taken[name] {
			n := 2
			for taken[name+"_"+strconv.Itoa(n)] {
				n++
			}
			name = name + "_" + strconv.Itoa(n)
			caption = caption + " " + strconv.Itoa(n)
		}
		taken[name] = true

		t := c.Type
		if t == TypeUndetermined {
			t = TypeText
		}
		data = append(data, Field{
			Name:       name,
			Caption:    caption,
			Type:       t,
			PrimaryKey: i == pk,
			Source:     i,
		})
	}

	if pk == NoPrimaryKey && in.ImplicitKey {
		name, caption := "id", "Id"
		if taken[name] {
			n := 1
			for taken[name+strconv.Itoa(n)] {
				n++
			}
			name += strconv.Itoa(n)
			caption += strconv.Itoa(n)
		}
		schema.Fields = append(schema.Fields, Field{
			Name:          name,
			Caption:       caption,
			Type:          TypeInteger,
			PrimaryKey:    true,
			AutoIncrement: true,
			Source:        -1,
		})
	}
	schema.Fields = append(schema.Fields, data...)

	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}

// columnCaption picks the user's name, then the header text, then "Column N".
func columnCaption(c ColumnState, header []string) string {
	var caption string
	switch {
	case c.ChangedByUser && strings.TrimSpace(c.Name) != "":
		caption = simplify(c.Name)
	case c.Index < len(header):
		caption = simplify(header[c.Index])
	}
	if caption == "" {
		return "Column " + strconv.Itoa(c.Index+1)
	}
	if r := []rune(caption)[0]; unicode.IsDigit(r) {
		caption = "Column " + caption
	}
	return caption
}

// simplify trims s and collapses inner whitespace runs to one space.
func simplify(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Identifier derives a SQL-safe name from a caption: accents stripped, lower
// case, runs of other characters replaced by "_", never starting with a digit.
func Identifier(caption string) string {
	s, _, err := transform.String(stripMarks, caption)
	if err != nil {
		s = caption
	}
	s = strings.ToLower(s)

	var b strings.Builder
	underscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return "column"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

var compressedExt = map[string]bool{".gz": true, ".bz2": true, ".sz": true, ".snappy": true}

// TableNameFromFile suggests a table name from a file path: the base name
// without compression and format extensions.
func TableNameFromFile(path string) string {
	base := filepath.Base(path)
	if ext := strings.ToLower(filepath.Ext(base)); compressedExt[ext] {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "imported"
	}
	return Identifier(base)
}
