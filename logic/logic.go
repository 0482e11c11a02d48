// Package logic loads the game's CSV data tables and resolves the type ids
// that messages use to refer to game objects.
//
// A table file starts with two header lines: column names, then column types
// (String, int or boolean). Each object starts on a line with a non-empty
// first column; the lines that follow it with an empty first column hold the
// object's higher levels.
package logic

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a table, object, column or level does not exist.
var ErrNotFound = errors.New("not found")

// TypeIndex maps typeID / 1,000,000 to a table name.
type TypeIndex map[int]string

// DefaultTypeIndex returns the table numbering used by the game client.
func DefaultTypeIndex() TypeIndex {
	return TypeIndex{
		1:  "buildings",
		2:  "locales",
		3:  "resources",
		4:  "characters",
		5:  "animations",
		6:  "projectiles",
		7:  "building_classes",
		8:  "obstacles",
		9:  "effects",
		10: "particle_emitters",
		11: "experience_levels",
		12: "traps",
		13: "alliance_badges",
		14: "globals",
		15: "townhall_levels",
		16: "alliance_portal",
		17: "npcs",
		18: "decos",
		19: "resource_packs",
		20: "shields",
		21: "missions",
		22: "billing_packages",
		23: "achievements",
		24: "credits",
		25: "faq",
		26: "spells",
		27: "hints",
		28: "heroes",
		29: "leagues",
		30: "news",
	}
}

// ColumnType is the declared type of a table column.
type ColumnType int

const (
	StringColumn ColumnType = iota
	IntColumn
	BoolColumn
)

func (t ColumnType) String() string {
	switch t {
	case IntColumn:
		return "int"
	case BoolColumn:
		return "boolean"
	default:
		return "String"
	}
}

func parseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "":
		return StringColumn, nil
	case "int":
		return IntColumn, nil
	case "boolean":
		return BoolColumn, nil
	}
	return 0, errors.Errorf("unknown column type %q", s)
}

// Value is one cell. The zero Value is an empty cell.
type Value struct {
	v any
}

// IsNull reports whether the cell was empty.
func (v Value) IsNull() bool { return v.v == nil }

// Interface returns nil, a string, an int or a bool.
func (v Value) Interface() any { return v.v }

func (v Value) String() string {
	if v.v == nil {
		return ""
	}
	return fmt.Sprint(v.v)
}

func parseValue(t ColumnType, s string) (Value, error) {
	if s == "" {
		return Value{}, nil
	}
	switch t {
	case IntColumn:
		n, err := strconv.Atoi(s)
		if err != nil {
			return Value{}, err
		}
		return Value{n}, nil
	case BoolColumn:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, err
		}
		return Value{b}, nil
	default:
		return Value{s}, nil
	}
}

// Object is one named entry of a table with one row per level.
type Object struct {
	table  *Table
	levels [][]Value
}

// Name is the object's first column at level 0.
func (o *Object) Name() string { return o.levels[0][0].String() }

// Levels returns the number of levels.
func (o *Object) Levels() int { return len(o.levels) }

// Get returns a column at a level, falling back to level 0 when the level's
// cell is empty.
func (o *Object) Get(column string, level int) (Value, error) {
	if level < 0 || level >= len(o.levels) {
		return Value{}, errors.Wrapf(ErrNotFound, "%s:%s level %d", o.table.Name, o.Name(), level)
	}
	i, ok := o.table.columns[column]
	if !ok {
		return Value{}, errors.Wrapf(ErrNotFound, "%s column %s", o.table.Name, column)
	}
	if v := o.levels[level][i]; !v.IsNull() {
		return v, nil
	}
	return o.levels[0][i], nil
}

// Table is one CSV file.
type Table struct {
	Name    string
	Columns []string
	Types   []ColumnType
	Objects []*Object

	columns map[string]int
}

func readTable(name string, r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "table %s: column names", name)
	}
	types, err := cr.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "table %s: column types", name)
	}

	t := &Table{Name: name, Columns: header, columns: make(map[string]int, len(header))}
	for i, c := range header {
		if _, ok := t.columns[c]; !ok {
			t.columns[c] = i
		}
		ct := StringColumn
		if i < len(types) {
			if ct, err = parseColumnType(types[i]); err != nil {
				return nil, errors.Wrapf(err, "table %s column %s", name, c)
			}
		}
		t.Types = append(t.Types, ct)
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "table %s", name)
		}
		row := make([]Value, len(header))
		for i := range row {
			if i >= len(rec) {
				break
			}
			if row[i], err = parseValue(t.Types[i], rec[i]); err != nil {
				line, _ := cr.FieldPos(i)
				return nil, errors.Wrapf(err, "table %s line %d column %s", name, line, header[i])
			}
		}

		if !row[0].IsNull() {
			t.Objects = append(t.Objects, &Object{table: t})
		} else if len(t.Objects) == 0 {
			return nil, errors.Errorf("table %s: level row before the first object", name)
		}
		o := t.Objects[len(t.Objects)-1]
		o.levels = append(o.levels, row)
	}
	return t, nil
}

// Logic holds the loaded tables.
type Logic struct {
	idx    TypeIndex
	tables map[string]*Table
}

// Load reads the CSV tables named in idx from a directory or from a zip
// archive such as an apk. Files are matched by base name at any depth.
func Load(source string, idx TypeIndex) (*Logic, error) {
	if idx == nil {
		idx = DefaultTypeIndex()
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, errors.Wrap(err, "load logic")
	}

	if info.IsDir() {
		return LoadFS(os.DirFS(source), idx)
	}

	zr, err := zip.OpenReader(source)
	if err != nil {
		return nil, errors.Wrapf(err, "load logic %s", filepath.Base(source))
	}
	defer zr.Close()
	return LoadFS(zr, idx)
}

// LoadFS reads the CSV tables named in idx from fsys.
func LoadFS(fsys fs.FS, idx TypeIndex) (*Logic, error) {
	wanted := make(map[string]bool, len(idx))
	for _, name := range idx {
		wanted[name] = true
	}

	l := &Logic{idx: idx, tables: make(map[string]*Table)}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".csv" {
			return nil
		}
		name := strings.TrimSuffix(path.Base(p), ".csv")
		if !wanted[name] {
			return nil
		}
		if _, dup := l.tables[name]; dup {
			return errors.Errorf("duplicate table %s at %s", name, p)
		}

		f, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		t, err := readTable(name, f)
		if err != nil {
			return err
		}
		l.tables[name] = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load logic")
	}
	if len(l.tables) == 0 {
		return nil, errors.New("load logic: no tables found")
	}
	return l, nil
}

// Table returns a loaded table by name.
func (l *Logic) Table(name string) (*Table, bool) {
	t, ok := l.tables[name]
	return t, ok
}

// TypeName returns the table a type id refers to.
func (l *Logic) TypeName(typeID int) (string, error) {
	name, ok := l.idx[typeID/1000000]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "object type %d", typeID/1000000)
	}
	return name, nil
}

// Object returns the object a type id refers to.
func (l *Logic) Object(typeID int) (*Object, error) {
	name, err := l.TypeName(typeID)
	if err != nil {
		return nil, err
	}
	t, ok := l.tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "table %s", name)
	}
	i := typeID % 1000
	if i < 0 || i >= len(t.Objects) {
		return nil, errors.Wrapf(ErrNotFound, "%s:%d", name, i)
	}
	return t.Objects[i], nil
}

// Resolve returns "table:Name" for a type id, for example
// "buildings:Wall" for 1000010.
func (l *Logic) Resolve(typeID int) (string, error) {
	o, err := l.Object(typeID)
	if err != nil {
		return "", err
	}
	return o.table.Name + ":" + o.Name(), nil
}

// Lookup finds an object by "table:Name", or the first object of a table
// when only "table" is given.
func (l *Logic) Lookup(fullName string) (*Object, error) {
	name, sub, named := strings.Cut(fullName, ":")
	t, ok := l.tables[name]
	if !ok || len(t.Objects) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "table %s", name)
	}
	if !named {
		return t.Objects[0], nil
	}
	for _, o := range t.Objects {
		if o.Name() == sub {
			return o, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "object %s", fullName)
}

// Attribute returns a column of the object a type id refers to.
func (l *Logic) Attribute(typeID int, column string, level int) (Value, error) {
	o, err := l.Object(typeID)
	if err != nil {
		return Value{}, err
	}
	return o.Get(column, level)
}

// Int returns an int column, 0 when the cell is empty.
func (l *Logic) Int(typeID int, column string, level int) (int, error) {
	v, err := l.Attribute(typeID, column, level)
	if err != nil || v.IsNull() {
		return 0, err
	}
	n, ok := v.v.(int)
	if !ok {
		return 0, errors.Errorf("column %s is not an int", column)
	}
	return n, nil
}

// String returns a column as text, "" when the cell is empty.
func (l *Logic) String(typeID int, column string, level int) (string, error) {
	v, err := l.Attribute(typeID, column, level)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// Bool returns a boolean column, false when the cell is empty.
func (l *Logic) Bool(typeID int, column string, level int) (bool, error) {
	v, err := l.Attribute(typeID, column, level)
	if err != nil || v.IsNull() {
		return false, err
	}
	b, ok := v.v.(bool)
	if !ok {
		return false, errors.Errorf("column %s is not a boolean", column)
	}
	return b, nil
}
