package datastream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Tag selects which event variant a protocol line carries.
type Tag string

const (
	TagMetadata   Tag = "f" // turn metadata: {"messageId"}
	TagToolCall   Tag = "9" // tool invocation: {"toolCallId","toolName","args"}
	TagToolResult Tag = "a" // tool result: {"toolCallId","result"}
	TagText       Tag = "0" // text delta: JSON string
	TagFinish     Tag = "e" // completion info: {"usage","finishReason","isContinued"}
	TagStepFinish Tag = "d" // secondary completion info: {"usage","finishReason"}
)

// Known reports whether the tag is one the aggregator interprets.
func (t Tag) Known() bool {
	switch t {
	case TagMetadata, TagToolCall, TagToolResult, TagText, TagFinish, TagStepFinish:
		return true
	}
	return false
}

// Value is the payload of an Event: either a parsed JSON document or the
// raw text that failed to parse.
type Value struct {
	raw    string
	isJSON bool
}

// JSONValue wraps text already known to be valid JSON.
func JSONValue(text string) Value { return Value{raw: text, isJSON: true} }

// RawValue wraps text that is not JSON.
func RawValue(text string) Value { return Value{raw: text} }

// IsJSON reports whether the payload parsed as JSON.
func (v Value) IsJSON() bool { return v.isJSON }

// Raw returns the payload text exactly as it appeared after the tag.
func (v Value) Raw() string { return v.raw }

// JSON returns the payload as a raw JSON message, or nil for a raw value.
func (v Value) JSON() json.RawMessage {
	if !v.isJSON {
		return nil
	}
	return json.RawMessage(v.raw)
}

// Decode unmarshals a JSON object payload into out. It reports false for
// raw values and for non-object JSON. Fields whose JSON type does not fit
// out are left zero; the remaining fields are still filled.
func (v Value) Decode(out any) bool {
	if !v.isJSON || v.lead() != '{' {
		return false
	}
	return tolerable(json.Unmarshal([]byte(v.raw), out))
}

// tolerable reports whether err is nil or only a field type mismatch.
func tolerable(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return err == nil || errors.As(err, &typeErr)
}

// scalarString accepts a JSON string as its decoded value and any other
// scalar (number, boolean) as its literal text. Objects, arrays and null
// leave it empty.
type scalarString string

func (s *scalarString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = scalarString(str)
	case '{', '[', 'n':
	default:
		*s = scalarString(b)
	}
	return nil
}

// Text returns the payload as a string: the decoded value of a JSON
// string, or the raw text when the payload is not JSON. Other JSON kinds
// report false.
func (v Value) Text() (string, bool) {
	if !v.isJSON {
		return v.raw, true
	}
	if v.lead() != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal([]byte(v.raw), &s); err != nil {
		return "", false
	}
	return s, true
}

// lead returns the first non-whitespace byte of the payload.
func (v Value) lead() byte {
	s := strings.TrimLeft(v.raw, " \t\r\n")
	if s == "" {
		return 0
	}
	return s[0]
}

// Event is one decoded protocol line.
type Event struct {
	Tag   Tag
	Value Value
}

// ParseLine splits a line at its first ':' into tag and value. Later colons
// belong to the value. A line without a colon yields no event. The value
// is kept as JSON when it parses and as raw text otherwise.
func ParseLine(line string) (Event, bool) {
	tag, rest, ok := strings.Cut(line, ":")
	if !ok {
		return Event{}, false
	}
	if json.Valid([]byte(rest)) {
		return Event{Tag: Tag(tag), Value: JSONValue(rest)}, true
	}
	return Event{Tag: Tag(tag), Value: RawValue(rest)}, true
}
