// Package trace defines the trace document written for the viewer: value
// trees, stack frames, steps and their JSON encoding.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
)

// Kind is the variant of a Value
type Kind int

const (
	// KindInvalid is the zero Kind, an unreadable or unclassifiable value
	KindInvalid Kind = iota
	KindScalar
	KindFloat
	KindString
	KindRef
	KindList
	KindDict
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindRef:
		return "ref"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "invalid"
	}
}

// RefTarget says which table a reference points into
type RefTarget int

const (
	RefHeap RefTarget = iota
	RefGlobal
)

// Wire tags
const (
	tagRef       = "REF"
	tagRefHeap   = "REF_HEAP"
	tagRefGlobal = "REF_GLOBAL"
	tagList      = "LIST"
	tagDict      = "DICT"
	textInvalid  = "Invalid"
)

// Value is one node of a value tree. The zero Value is Invalid.
type Value struct {
	Kind Kind
	// Int is the Scalar value
	Int int64
	// Text holds FloatText and CString contents
	Text string
	// Target, Addr and Name describe a reference: Addr for heap, Name for globals
	Target RefTarget
	Addr   uint64
	Name   string
	// Items are the elements of a List
	Items []Value
	// Fields are the members of a Dict in declaration order
	Fields []Field
}

// Field is a named Dict member
type Field struct {
	Name  string
	Value Value
}

// Invalid returns the Invalid value
func Invalid() Value { return Value{} }

// Scalar returns an integer value
func Scalar(n int64) Value { return Value{Kind: KindScalar, Int: n} }

// Float returns f rounded to four decimals
func Float(f float64) Value { return Value{Kind: KindFloat, Text: strconv.FormatFloat(f, 'f', 4, 64)} }

// FloatText returns an already formatted float
func FloatText(s string) Value { return Value{Kind: KindFloat, Text: s} }

// CString returns a string value
func CString(s string) Value { return Value{Kind: KindString, Text: s} }

// HeapRef returns a reference to the heap object at addr
func HeapRef(addr uint64) Value { return Value{Kind: KindRef, Target: RefHeap, Addr: addr} }

// GlobalRef returns a reference to the named global
func GlobalRef(name string) Value { return Value{Kind: KindRef, Target: RefGlobal, Name: name} }

// List returns a sequence value
func List(items ...Value) Value { return Value{Kind: KindList, Items: items} }

// Dict returns an aggregate value
func Dict(fields ...Field) Value { return Value{Kind: KindDict, Fields: fields} }

// IsInvalid reports whether v is the Invalid value
func (v Value) IsInvalid() bool { return v.Kind == KindInvalid }

// Get returns the named Dict member
func (v Value) Get(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// String renders v compactly for the replay browser and logs
func (v Value) String() string {
	switch v.Kind {
	case KindScalar:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return v.Text
	case KindString:
		return strconv.Quote(v.Text)
	case KindRef:
		if v.Target == RefGlobal {
			return "&" + v.Name
		}
		return fmt.Sprintf("-> %#x", v.Addr)
	case KindList:
		s := "["
		for i, it := range v.Items {
			if i > 0 {
				s += ", "
			}
			s += it.String()
		}
		return s + "]"
	case KindDict:
		s := "{"
		for i, f := range v.Fields {
			if i > 0 {
				s += ", "
			}
			s += f.Name + ": " + f.Value.String()
		}
		return s + "}"
	default:
		return textInvalid
	}
}

// MarshalJSON encodes v in the viewer's tagged-array format
func (v Value) MarshalJSON() ([]byte, error) {
	return marshal(v.wire())
}

// marshal encodes without HTML escaping, C sources are full of '<' and '&'
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (v Value) wire() any {
	switch v.Kind {
	case KindScalar:
		return v.Int
	case KindFloat, KindString:
		return v.Text
	case KindRef:
		if v.Target == RefGlobal {
			return []any{tagRef, v.Name, tagRefGlobal}
		}
		return []any{tagRef, json.Number(strconv.FormatUint(v.Addr, 10)), tagRefHeap}
	case KindList:
		out := make([]any, 0, len(v.Items)+1)
		out = append(out, tagList)
		for _, it := range v.Items {
			out = append(out, it.wire())
		}
		return out
	case KindDict:
		out := make([]any, 0, len(v.Fields)+1)
		out = append(out, tagDict)
		for _, f := range v.Fields {
			out = append(out, []any{f.Name, f.Value.wire()})
		}
		return out
	default:
		return textInvalid
	}
}

var floatText = regexp.MustCompile(`^-?\d+\.\d{4}$`)

// UnmarshalJSON decodes the tagged-array format. Strings are ambiguous on
// the wire: "Invalid" decodes to Invalid and four-decimal numbers to FloatText.
func (v *Value) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid value json: %s", data)
	}
	dec, err := decode(gjson.ParseBytes(data))
	if err != nil {
		return err
	}
	*v = dec
	return nil
}

func decode(r gjson.Result) (Value, error) {
	switch r.Type {
	case gjson.Number:
		n, err := strconv.ParseInt(r.Raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("scalar %s: %w", r.Raw, err)
		}
		return Scalar(n), nil
	case gjson.String:
		switch s := r.Str; {
		case s == textInvalid:
			return Invalid(), nil
		case floatText.MatchString(s):
			return FloatText(s), nil
		default:
			return CString(s), nil
		}
	case gjson.JSON:
		if !r.IsArray() {
			return Value{}, fmt.Errorf("unexpected object value %s", r.Raw)
		}
		return decodeArray(r.Array())
	default:
		return Value{}, fmt.Errorf("unexpected value %s", r.Raw)
	}
}

func decodeArray(elems []gjson.Result) (Value, error) {
	if len(elems) == 0 || elems[0].Type != gjson.String {
		return Value{}, fmt.Errorf("value array without tag")
	}
	switch elems[0].Str {
	case tagRef:
		if len(elems) != 3 {
			return Value{}, fmt.Errorf("reference needs 3 elements, got %d", len(elems))
		}
		switch elems[2].Str {
		case tagRefHeap:
			addr, err := strconv.ParseUint(elems[1].Raw, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("heap reference %s: %w", elems[1].Raw, err)
			}
			return HeapRef(addr), nil
		case tagRefGlobal:
			return GlobalRef(elems[1].Str), nil
		default:
			return Value{}, fmt.Errorf("unknown reference target %q", elems[2].Str)
		}
	case tagList:
		v := Value{Kind: KindList}
		for _, e := range elems[1:] {
			item, err := decode(e)
			if err != nil {
				return Value{}, err
			}
			v.Items = append(v.Items, item)
		}
		return v, nil
	case tagDict:
		v := Value{Kind: KindDict}
		for _, e := range elems[1:] {
			pair := e.Array()
			if len(pair) != 2 || pair[0].Type != gjson.String {
				return Value{}, fmt.Errorf("malformed dict entry %s", e.Raw)
			}
			fv, err := decode(pair[1])
			if err != nil {
				return Value{}, err
			}
			v.Fields = append(v.Fields, Field{Name: pair[0].Str, Value: fv})
		}
		return v, nil
	default:
		return Value{}, fmt.Errorf("unknown value tag %q", elems[0].Str)
	}
}
