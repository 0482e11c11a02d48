package tapproxy

import (
	"bytes"
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Kind is the wire encoding of a field.
type Kind int

const (
	KindByte Kind = iota
	KindBool
	KindInt16
	KindInt32
	KindInt64
	KindUint16
	KindUint32
	KindString
	KindBytes
	KindZipString
	KindArray
	KindOptional
	KindStruct
)

var scalarKinds = map[string]Kind{
	"byte":       KindByte,
	"bool":       KindBool,
	"boolean":    KindBool,
	"int16":      KindInt16,
	"short":      KindInt16,
	"int32":      KindInt32,
	"int":        KindInt32,
	"int64":      KindInt64,
	"long":       KindInt64,
	"uint16":     KindUint16,
	"uint32":     KindUint32,
	"string":     KindString,
	"bytes":      KindBytes,
	"zipstring":  KindZipString,
	"zip_string": KindZipString,
}

var kindNames = map[Kind]string{
	KindByte:      "byte",
	KindBool:      "bool",
	KindInt16:     "int16",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindUint16:    "uint16",
	KindUint32:    "uint32",
	KindString:    "string",
	KindBytes:     "bytes",
	KindZipString: "zipstring",
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TypeRef describes how one field is laid out on the wire.
type TypeRef struct {
	Kind   Kind
	Elem   *TypeRef      // element of an array or optional
	Struct *StructSchema // resolved nested structure

	structName string
	min        int // smallest encoded size
}

func (t *TypeRef) String() string {
	switch t.Kind {
	case KindArray:
		return "[]" + t.Elem.String()
	case KindOptional:
		return "?" + t.Elem.String()
	case KindStruct:
		return t.structName
	default:
		return kindNames[t.Kind]
	}
}

// FieldDescriptor names a field and its decoding rule.
type FieldDescriptor struct {
	Name string
	Type *TypeRef
}

// StructSchema is a reusable named sub-structure.
type StructSchema struct {
	Name   string
	Fields []FieldDescriptor
}

// MessageSchema is the field layout of one message id.
type MessageSchema struct {
	ID     uint16
	Name   string
	Fields []FieldDescriptor
}

// Registry maps message ids and names to their schemas.
// It is immutable after construction and safe for concurrent reads.
type Registry struct {
	byID    map[uint16]*MessageSchema
	byName  map[string]uint16
	structs map[string]*StructSchema
}

//go:embed definitions
var defaultDefinitions embed.FS

// DefaultRegistry loads the embedded definition set.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistryFS(defaultDefinitions, "definitions")
}

// LoadRegistry loads definitions from a directory, or from a single file.
func LoadRegistry(source string) (*Registry, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	if info.IsDir() {
		return LoadRegistryFS(os.DirFS(source), ".")
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	b := newRegistryBuilder()
	if err := b.add(source, data); err != nil {
		return nil, err
	}
	return b.build()
}

// LoadRegistryFS loads every .yaml, .yml and .json file in dir.
func LoadRegistryFS(fsys fs.FS, dir string) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, &LoadError{Source: dir, Err: err}
	}

	b := newRegistryBuilder()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		name := path.Join(dir, entry.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, &LoadError{Source: name, Err: err}
		}
		if err := b.add(name, data); err != nil {
			return nil, err
		}
		loaded++
	}
	if loaded == 0 {
		return nil, &LoadError{Source: dir, Err: errors.Wrap(ErrInvalidDefinition, "no definition files")}
	}
	return b.build()
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Lookup returns the schema registered for id.
func (r *Registry) Lookup(id uint16) (*MessageSchema, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// LookupName returns the id registered for a message name.
func (r *Registry) LookupName(name string) (uint16, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Struct returns a named sub-structure.
func (r *Registry) Struct(name string) (*StructSchema, bool) {
	s, ok := r.structs[name]
	return s, ok
}

// Name returns the message name for id, or the decimal id when unregistered.
func (r *Registry) Name(id uint16) string {
	if s, ok := r.byID[id]; ok {
		return s.Name
	}
	return strconv.Itoa(int(id))
}

// Len returns the number of registered messages.
func (r *Registry) Len() int { return len(r.byID) }

// IDs returns all registered ids in ascending order.
func (r *Registry) IDs() []uint16 {
	ids := make([]uint16, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Definition file layout.
type definitionFile struct {
	Structs  []structDefinition  `yaml:"structs"`
	Messages []messageDefinition `yaml:"messages"`
}

type fieldDefinition struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type structDefinition struct {
	Name   string            `yaml:"name"`
	Fields []fieldDefinition `yaml:"fields"`
}

type messageDefinition struct {
	ID     *int              `yaml:"id"`
	Name   string            `yaml:"name"`
	Fields []fieldDefinition `yaml:"fields"`
}

type sourced[T any] struct {
	source string
	value  T
}

type registryBuilder struct {
	structs  map[string]sourced[*StructSchema]
	messages []sourced[*MessageSchema]
	ids      map[uint16]string
	names    map[string]string
}

func newRegistryBuilder() *registryBuilder {
	return &registryBuilder{
		structs: make(map[string]sourced[*StructSchema]),
		ids:     make(map[uint16]string),
		names:   make(map[string]string),
	}
}

func (b *registryBuilder) add(source string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file definitionFile
	if err := dec.Decode(&file); err != nil {
		return &LoadError{Source: source, Err: errors.Wrap(ErrInvalidDefinition, err.Error())}
	}

	for i, def := range file.Structs {
		if !identifier.MatchString(def.Name) {
			return invalid(source, "structs[%d]: bad name %q", i, def.Name)
		}
		if _, ok := scalarKinds[strings.ToLower(def.Name)]; ok {
			return invalid(source, "struct %s: name shadows a scalar type", def.Name)
		}
		if prev, ok := b.structs[def.Name]; ok {
			return &LoadError{Source: source, Err: errors.Wrapf(ErrDuplicateID, "struct %s already defined in %s", def.Name, prev.source)}
		}
		fields, err := parseFields(source, def.Name, def.Fields)
		if err != nil {
			return err
		}
		b.structs[def.Name] = sourced[*StructSchema]{source, &StructSchema{Name: def.Name, Fields: fields}}
	}

	for i, def := range file.Messages {
		if def.ID == nil {
			return invalid(source, "messages[%d]: missing id", i)
		}
		if *def.ID < 0 || *def.ID > 0xffff {
			return invalid(source, "messages[%d]: id %d out of range", i, *def.ID)
		}
		if !identifier.MatchString(def.Name) {
			return invalid(source, "messages[%d]: bad name %q", i, def.Name)
		}
		id := uint16(*def.ID)
		if prev, ok := b.ids[id]; ok {
			return &LoadError{Source: source, Err: errors.Wrapf(ErrDuplicateID, "id %d already defined in %s", id, prev)}
		}
		if prev, ok := b.names[def.Name]; ok {
			return &LoadError{Source: source, Err: errors.Wrapf(ErrDuplicateID, "name %s already defined in %s", def.Name, prev)}
		}
		fields, err := parseFields(source, def.Name, def.Fields)
		if err != nil {
			return err
		}
		b.ids[id] = source
		b.names[def.Name] = source
		b.messages = append(b.messages, sourced[*MessageSchema]{source, &MessageSchema{ID: id, Name: def.Name, Fields: fields}})
	}
	return nil
}

func parseFields(source, owner string, defs []fieldDefinition) ([]FieldDescriptor, error) {
	seen := make(map[string]bool, len(defs))
	fields := make([]FieldDescriptor, 0, len(defs))
	for i, def := range defs {
		if !identifier.MatchString(def.Name) {
			return nil, invalid(source, "%s.fields[%d]: bad name %q", owner, i, def.Name)
		}
		if seen[def.Name] {
			return nil, invalid(source, "%s: duplicate field %s", owner, def.Name)
		}
		seen[def.Name] = true
		t, err := parseType(def.Type)
		if err != nil {
			return nil, invalid(source, "%s.%s: %v", owner, def.Name, err)
		}
		fields = append(fields, FieldDescriptor{Name: def.Name, Type: t})
	}
	return fields, nil
}

func parseType(expr string) (*TypeRef, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, errors.New("empty type")
	case strings.HasPrefix(expr, "[]"):
		elem, err := parseType(expr[2:])
		if err != nil {
			return nil, err
		}
		return &TypeRef{Kind: KindArray, Elem: elem}, nil
	case strings.HasPrefix(expr, "?"):
		elem, err := parseType(expr[1:])
		if err != nil {
			return nil, err
		}
		if elem.Kind == KindOptional {
			return nil, errors.Errorf("nested optional %q", expr)
		}
		return &TypeRef{Kind: KindOptional, Elem: elem}, nil
	}
	if k, ok := scalarKinds[strings.ToLower(expr)]; ok {
		return &TypeRef{Kind: k}, nil
	}
	if !identifier.MatchString(expr) {
		return nil, errors.Errorf("bad type %q", expr)
	}
	return &TypeRef{Kind: KindStruct, structName: expr}, nil
}

func invalid(source, format string, args ...any) error {
	return &LoadError{Source: source, Err: errors.Wrapf(ErrInvalidDefinition, format, args...)}
}

func (b *registryBuilder) build() (*Registry, error) {
	reg := &Registry{
		byID:    make(map[uint16]*MessageSchema, len(b.messages)),
		byName:  make(map[string]uint16, len(b.messages)),
		structs: make(map[string]*StructSchema, len(b.structs)),
	}
	for name, s := range b.structs {
		reg.structs[name] = s.value
	}

	// Structs are resolved first so recursion is reported against the struct.
	names := make([]string, 0, len(b.structs))
	for name := range b.structs {
		names = append(names, name)
	}
	sort.Strings(names)
	done := make(map[string]bool)
	for _, name := range names {
		s := b.structs[name]
		if err := b.resolveStruct(s.value, s.source, done, map[string]bool{}); err != nil {
			return nil, err
		}
	}

	for _, m := range b.messages {
		for _, f := range m.value.Fields {
			if err := b.resolveType(f.Type, m.source, done, map[string]bool{}); err != nil {
				var le *LoadError
				if errors.As(err, &le) {
					return nil, err
				}
				return nil, invalid(m.source, "%s.%s: %v", m.value.Name, f.Name, err)
			}
		}
		reg.byID[m.value.ID] = m.value
		reg.byName[m.value.Name] = m.value.ID
	}
	return reg, nil
}

func (b *registryBuilder) resolveStruct(s *StructSchema, source string, done, visiting map[string]bool) error {
	if done[s.Name] {
		return nil
	}
	if visiting[s.Name] {
		return invalid(source, "struct %s is recursive", s.Name)
	}
	visiting[s.Name] = true
	for _, f := range s.Fields {
		if err := b.resolveType(f.Type, source, done, visiting); err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				return err
			}
			return invalid(source, "%s.%s: %v", s.Name, f.Name, err)
		}
	}
	delete(visiting, s.Name)
	done[s.Name] = true
	return nil
}

func (b *registryBuilder) resolveType(t *TypeRef, source string, done, visiting map[string]bool) error {
	switch t.Kind {
	case KindArray:
		if err := b.resolveType(t.Elem, source, done, visiting); err != nil {
			return err
		}
		t.min = 4
	case KindOptional:
		if err := b.resolveType(t.Elem, source, done, visiting); err != nil {
			return err
		}
		t.min = 1
	case KindStruct:
		s, ok := b.structs[t.structName]
		if !ok {
			return errors.Errorf("unknown type %q", t.structName)
		}
		if err := b.resolveStruct(s.value, s.source, done, visiting); err != nil {
			return err
		}
		t.Struct = s.value
		t.min = 0
		for _, f := range s.value.Fields {
			t.min += f.Type.min
		}
	default:
		t.min = scalarSize(t.Kind)
	}
	return nil
}

func scalarSize(k Kind) int {
	switch k {
	case KindByte, KindBool:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt64:
		return 8
	default:
		// int32, uint32 and every length prefix
		return 4
	}
}
