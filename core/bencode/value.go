package bencode

import (
	"bytes"
	"sort"
)

// Kind identifies one of the four bencode value kinds.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	}
	return "unknown"
}

// Pair is a single dictionary entry. Dictionary keys are raw byte strings.
type Pair struct {
	Key   []byte
	Value *Value
}

// Value is a decoded bencode value. Exactly one of the payload fields is
// meaningful, selected by kind.
type Value struct {
	kind    Kind
	str     []byte
	integer int64
	list    []*Value
	dict    []Pair // sorted bytewise by Key, unique keys
}

// String constructs a byte-string value.
func String(b []byte) *Value {
	return &Value{kind: KindString, str: b}
}

// Str constructs a byte-string value from a Go string.
func Str(s string) *Value {
	return &Value{kind: KindString, str: []byte(s)}
}

// Integer constructs an integer value.
func Integer(n int64) *Value {
	return &Value{kind: KindInteger, integer: n}
}

// List constructs a list value.
func List(items ...*Value) *Value {
	return &Value{kind: KindList, list: items}
}

// Dict constructs an empty dictionary value.
func Dict() *Value {
	return &Value{kind: KindDict}
}

// Kind reports the value kind.
func (v *Value) Kind() Kind { return v.kind }

func (v *Value) IsString() bool  { return v.kind == KindString }
func (v *Value) IsInteger() bool { return v.kind == KindInteger }
func (v *Value) IsList() bool    { return v.kind == KindList }
func (v *Value) IsDict() bool    { return v.kind == KindDict }

// Bytes returns the payload of a string value.
func (v *Value) Bytes() ([]byte, bool) {
	if v == nil || v.kind != KindString {
		return nil, false
	}
	return v.str, true
}

// Int returns the payload of an integer value.
func (v *Value) Int() (int64, bool) {
	if v == nil || v.kind != KindInteger {
		return 0, false
	}
	return v.integer, true
}

// Items returns the elements of a list value.
func (v *Value) Items() ([]*Value, bool) {
	if v == nil || v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// Pairs returns the entries of a dictionary value in key order.
func (v *Value) Pairs() ([]Pair, bool) {
	if v == nil || v.kind != KindDict {
		return nil, false
	}
	return v.dict, true
}

// Append adds an element to a list value.
func (v *Value) Append(item *Value) {
	v.list = append(v.list, item)
}

// Set inserts or replaces a dictionary entry, keeping the entries sorted.
func (v *Value) Set(key string, val *Value) {
	k := []byte(key)
	i := sort.Search(len(v.dict), func(i int) bool {
		return bytes.Compare(v.dict[i].Key, k) >= 0
	})
	if i < len(v.dict) && bytes.Equal(v.dict[i].Key, k) {
		v.dict[i].Value = val
		return
	}
	v.dict = append(v.dict, Pair{})
	copy(v.dict[i+1:], v.dict[i:])
	v.dict[i] = Pair{Key: k, Value: val}
}

// Get looks up a dictionary entry. Returns nil when the key is absent or the
// value is not a dictionary.
func (v *Value) Get(key string) *Value {
	if v == nil || v.kind != KindDict {
		return nil
	}
	k := []byte(key)
	i := sort.Search(len(v.dict), func(i int) bool {
		return bytes.Compare(v.dict[i].Key, k) >= 0
	})
	if i < len(v.dict) && bytes.Equal(v.dict[i].Key, k) {
		return v.dict[i].Value
	}
	return nil
}

// GetBytes looks up a string entry in a dictionary.
func (v *Value) GetBytes(key string) ([]byte, bool) {
	return v.Get(key).Bytes()
}

// GetString looks up a string entry and converts it to a Go string.
func (v *Value) GetString(key string) (string, bool) {
	b, ok := v.Get(key).Bytes()
	if !ok {
		return "", false
	}
	return string(b), true
}

// GetInt looks up an integer entry in a dictionary.
func (v *Value) GetInt(key string) (int64, bool) {
	return v.Get(key).Int()
}

// GetList looks up a list entry in a dictionary.
func (v *Value) GetList(key string) ([]*Value, bool) {
	return v.Get(key).Items()
}

// GetDict looks up a nested dictionary entry.
func (v *Value) GetDict(key string) (*Value, bool) {
	d := v.Get(key)
	if d == nil || d.kind != KindDict {
		return nil, false
	}
	return d, true
}

// Equal reports deep equality of two values.
func Equal(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindString:
		return bytes.Equal(a.str, b.str)
	case KindInteger:
		return a.integer == b.integer
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.dict) != len(b.dict) {
			return false
		}
		for i := range a.dict {
			if !bytes.Equal(a.dict[i].Key, b.dict[i].Key) {
				return false
			}
			if !Equal(a.dict[i].Value, b.dict[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}
