// Package value implements the dynamic, schema-less values used for chart payloads.
//
// A Value is one of null, bool, number, string, sequence, or mapping. Values are immutable:
// builders copy their inputs and every "modifying" method returns a new Value, so a Value can
// never contain itself and is always safe to serialize.
package value

import (
	"fmt"
	"sort"
)

type Kind uint8

const (
	NullKind Kind = iota
	BoolKind
	NumberKind
	StringKind
	SequenceKind
	MappingKind
)

func (k Kind) String() string {
	switch k {
	case NullKind:
		return "null"
	case BoolKind:
		return "bool"
	case NumberKind:
		return "number"
	case StringKind:
		return "string"
	case SequenceKind:
		return "sequence"
	case MappingKind:
		return "mapping"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a dynamic value. The zero Value is null.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	seq    []Value
	fields []Field
}

// Field is one key/value entry of a mapping.
type Field struct {
	Key   string
	Value Value
}

func KV(key string, v Value) Field { return Field{Key: key, Value: v} }

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: BoolKind, b: b} }

func Number(f float64) Value { return Value{kind: NumberKind, n: f} }

func Int(i int) Value { return Value{kind: NumberKind, n: float64(i)} }

func String(s string) Value { return Value{kind: StringKind, s: s} }

// Seq builds a sequence from the given elements, in order.
func Seq(vs ...Value) Value {
	seq := make([]Value, len(vs))
	copy(seq, vs)
	return Value{kind: SequenceKind, seq: seq}
}

func Floats(fs []float64) Value {
	seq := make([]Value, len(fs))
	for i, f := range fs {
		seq[i] = Number(f)
	}
	return Value{kind: SequenceKind, seq: seq}
}

func Ints(is []int) Value {
	seq := make([]Value, len(is))
	for i, n := range is {
		seq[i] = Int(n)
	}
	return Value{kind: SequenceKind, seq: seq}
}

func Strings(ss []string) Value {
	seq := make([]Value, len(ss))
	for i, s := range ss {
		seq[i] = String(s)
	}
	return Value{kind: SequenceKind, seq: seq}
}

// Object builds a mapping in field order.
// A repeated key keeps the position of its first occurrence and the value of its last.
func Object(fields ...Field) Value {
	v := Value{kind: MappingKind, fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		if i := v.indexOf(f.Key); i >= 0 {
			v.fields[i].Value = f.Value
			continue
		}
		v.fields = append(v.fields, f)
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == NullKind }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == BoolKind }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == NumberKind }

func (v Value) AsString() (string, bool) { return v.s, v.kind == StringKind }

// Len returns the number of elements of a sequence or entries of a mapping, and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case SequenceKind:
		return len(v.seq)
	case MappingKind:
		return len(v.fields)
	}
	return 0
}

// Index returns the i'th element of a sequence, or null if v is not a sequence or i is out of range.
func (v Value) Index(i int) Value {
	if v.kind != SequenceKind || i < 0 || i >= len(v.seq) {
		return Value{}
	}
	return v.seq[i]
}

// Elems returns a copy of the elements of a sequence.
func (v Value) Elems() []Value {
	if v.kind != SequenceKind {
		return nil
	}
	out := make([]Value, len(v.seq))
	copy(out, v.seq)
	return out
}

func (v Value) Get(key string) (Value, bool) {
	i := v.indexOf(key)
	if i < 0 {
		return Value{}, false
	}
	return v.fields[i].Value, true
}

// Keys returns the keys of a mapping in insertion order.
func (v Value) Keys() []string {
	if v.kind != MappingKind {
		return nil
	}
	keys := make([]string, len(v.fields))
	for i, f := range v.fields {
		keys[i] = f.Key
	}
	return keys
}

// Items returns a copy of the entries of a mapping in insertion order.
func (v Value) Items() []Field {
	if v.kind != MappingKind {
		return nil
	}
	out := make([]Field, len(v.fields))
	copy(out, v.fields)
	return out
}

// With returns a copy of the mapping v with key set to val.
// Setting an existing key keeps its position. If v is not a mapping, the result is a new mapping holding only key.
func (v Value) With(key string, val Value) Value {
	var fields []Field
	if v.kind == MappingKind {
		fields = make([]Field, len(v.fields), len(v.fields)+1)
		copy(fields, v.fields)
	}
	out := Value{kind: MappingKind, fields: fields}
	if i := out.indexOf(key); i >= 0 {
		out.fields[i].Value = val
		return out
	}
	out.fields = append(out.fields, Field{Key: key, Value: val})
	return out
}

// Merge returns the shallow union of two mappings: every entry of v, overridden or extended by the entries of other.
// A non-mapping operand contributes no entries.
func (v Value) Merge(other Value) Value {
	out := Object(v.Items()...)
	for _, f := range other.Items() {
		out = out.With(f.Key, f.Value)
	}
	return out
}

func (v Value) indexOf(key string) int {
	if v.kind != MappingKind {
		return -1
	}
	for i, f := range v.fields {
		if f.Key == key {
			return i
		}
	}
	return -1
}

// Equal reports whether a and b are structurally equal.
// Sequences compare element-wise in order. Mappings compare by key set and values, ignoring insertion order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case NullKind:
		return true
	case BoolKind:
		return a.b == b.b
	case NumberKind:
		return a.n == b.n
	case StringKind:
		return a.s == b.s
	case SequenceKind:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case MappingKind:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for _, f := range a.fields {
			other, ok := b.Get(f.Key)
			if !ok || !Equal(f.Value, other) {
				return false
			}
		}
		return true
	}
	return false
}

// FromAny converts common Go values into a Value.
// Maps are converted with their keys sorted, since Go map iteration order is random.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(t), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case []float64:
		return Floats(t), nil
	case []int:
		return Ints(t), nil
	case []string:
		return Strings(t), nil
	case []Value:
		return Seq(t...), nil
	case []any:
		seq := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			seq[i] = ev
		}
		return Value{kind: SequenceKind, seq: seq}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			ev, err := FromAny(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			fields[i] = Field{Key: k, Value: ev}
		}
		return Value{kind: MappingKind, fields: fields}, nil
	}
	return Value{}, fmt.Errorf("unsupported type %T", x)
}
