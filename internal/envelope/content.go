// ABOUTME: Content is the tagged union carried in every envelope's content field
// ABOUTME: Normalize is the single total entry point that produces it from arbitrary values

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
)

// Kind distinguishes plain text content from structured objects.
type Kind int

const (
	// KindText is content whose only field is text.
	KindText Kind = iota
	// KindObject is a structured object that carries fields beyond text.
	KindObject
)

func (k Kind) String() string {
	if k == KindObject {
		return "object"
	}
	return "text"
}

// Content is normalized envelope content. The zero value is {"text": ""}.
// Values are immutable once built; accessors return copies.
type Content struct {
	kind   Kind
	text   string
	fields map[string]any
}

// Text builds text-only content.
func Text(s string) Content {
	return Content{kind: KindText, text: s}
}

// Kind reports whether the content is plain text or a structured object.
func (c Content) Kind() Kind { return c.kind }

// Text returns the text field. Objects whose text is not a string return "".
func (c Content) Text() string {
	if c.kind == KindText {
		return c.text
	}
	s, _ := c.fields["text"].(string)
	return s
}

// Get returns a field of a structured object. Text content only exposes "text".
func (c Content) Get(key string) (any, bool) {
	if c.kind == KindText {
		if key == "text" {
			return c.text, true
		}
		return nil, false
	}
	v, ok := c.fields[key]
	return v, ok
}

// Fields returns a copy of the content as a map, always including "text".
func (c Content) Fields() map[string]any {
	if c.kind == KindText {
		return map[string]any{"text": c.text}
	}
	return maps.Clone(c.fields)
}

// Equal reports whether two contents encode to the same JSON object.
func (c Content) Equal(other Content) bool {
	a, errA := c.MarshalJSON()
	b, errB := other.MarshalJSON()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// MarshalJSON always emits a JSON object with at least a text key.
func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Fields())
}

// UnmarshalJSON decodes any JSON value and normalizes it.
func (c *Content) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*c = Normalize(v)
	return nil
}

// Normalize converts any value into Content. It never fails and is
// idempotent: Normalize(Normalize(v)) equals Normalize(v).
//
//   - nil becomes {"text": ""}
//   - a string becomes {"text": s}
//   - numbers and booleans become their JSON literal as text
//   - string-keyed maps are kept as objects, with "text" defaulted to ""
//   - anything else is encoded as compact JSON and wrapped as text
func Normalize(v any) Content {
	switch val := v.(type) {
	case nil:
		return Text("")
	case Content:
		return val
	case *Content:
		if val == nil {
			return Text("")
		}
		return *val
	case string:
		return Text(val)
	case json.Number:
		return Text(val.String())
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		b, err := json.Marshal(val)
		if err != nil {
			return Text(fmt.Sprint(val))
		}
		return Text(string(b))
	case map[string]any:
		return fromObject(val)
	case map[string]string:
		obj := make(map[string]any, len(val))
		for k, s := range val {
			obj[k] = s
		}
		return fromObject(obj)
	case json.RawMessage:
		var c Content
		if err := c.UnmarshalJSON(val); err != nil {
			return Text(string(val))
		}
		return c
	}
	return stringify(v)
}

func fromObject(obj map[string]any) Content {
	if len(obj) == 0 {
		return Text("")
	}
	if len(obj) == 1 {
		if s, ok := obj["text"].(string); ok {
			return Text(s)
		}
	}
	fields := maps.Clone(obj)
	if _, ok := fields["text"]; !ok {
		fields["text"] = ""
	}
	if len(fields) == 1 {
		if s, ok := fields["text"].(string); ok {
			return Text(s)
		}
	}
	return Content{kind: KindObject, fields: fields}
}

func stringify(v any) Content {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Text("")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return Text(fmt.Sprint(v))
	}
	return Text(string(bytes.TrimRight(buf.Bytes(), "\n")))
}
