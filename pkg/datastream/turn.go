package datastream

import (
	"bytes"
	"encoding/json"
	"slices"
)

// Usage is the token accounting reported for a turn.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// UnmarshalJSON accepts token counts written as any JSON number, such as
// 10.0, truncating them to integers. Counts of another type are left zero.
func (u *Usage) UnmarshalJSON(b []byte) error {
	var aux struct {
		PromptTokens     float64 `json:"promptTokens"`
		CompletionTokens float64 `json:"completionTokens"`
	}
	if err := json.Unmarshal(b, &aux); !tolerable(err) {
		return err
	}
	u.PromptTokens = int(aux.PromptTokens)
	u.CompletionTokens = int(aux.CompletionTokens)
	return nil
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// FAQResult is one retrieval hit returned by a tool. The core never
// interprets it.
type FAQResult struct {
	ID       string      `json:"id"`
	Score    float64     `json:"score"`
	Metadata FAQMetadata `json:"metadata"`
}

// UnmarshalJSON fills the fields that fit. A numeric id keeps its literal
// text.
func (r *FAQResult) UnmarshalJSON(b []byte) error {
	type plain FAQResult
	var aux struct {
		plain
		ID scalarString `json:"id"`
	}
	if err := json.Unmarshal(b, &aux); !tolerable(err) {
		return err
	}
	*r = FAQResult(aux.plain)
	r.ID = string(aux.ID)
	return nil
}

// FAQMetadata carries the display fields of a FAQResult.
type FAQMetadata struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ToolArgs is the argument shape of the retrieval tool.
type ToolArgs struct {
	Query     string `json:"query"`
	IndexName string `json:"indexName"`
	TopK      int    `json:"topK"`
}

// ToolCall records one tool invocation and, once it arrives, its result.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    []FAQResult     `json:"result,omitempty"`
	HasResult bool            `json:"hasResult"`
}

// SearchArgs decodes Args as retrieval arguments.
func (tc ToolCall) SearchArgs() (ToolArgs, error) {
	var args ToolArgs
	if len(tc.Args) == 0 {
		return args, nil
	}
	err := json.Unmarshal(tc.Args, &args)
	return args, err
}

// Turn is the aggregate of every event seen for one assistant turn.
// ResponseText and ToolCalls only grow; Usage and FinishReason are
// replaced wholesale by completion events.
type Turn struct {
	MessageID    string     `json:"messageId,omitempty"`
	ToolCalls    []ToolCall `json:"toolCalls"`
	ResponseText string     `json:"responseText"`
	Usage        *Usage     `json:"usage"`
	FinishReason string     `json:"finishReason,omitempty"`
	IsContinued  bool       `json:"isContinued"`
}

// NewTurn returns an empty aggregate.
func NewTurn() Turn {
	return Turn{ToolCalls: []ToolCall{}}
}

// Clone returns a deep copy that shares no mutable state with t.
func (t Turn) Clone() Turn {
	out := t
	out.ToolCalls = make([]ToolCall, len(t.ToolCalls))
	for i, tc := range t.ToolCalls {
		tc.Args = slices.Clone(tc.Args)
		tc.Result = slices.Clone(tc.Result)
		out.ToolCalls[i] = tc
	}
	if t.Usage != nil {
		u := *t.Usage
		out.Usage = &u
	}
	return out
}

// FindToolCall returns the first tool call with the given id.
func (t Turn) FindToolCall(id string) (ToolCall, bool) {
	i := slices.IndexFunc(t.ToolCalls, func(tc ToolCall) bool { return tc.ID == id })
	if i < 0 {
		return ToolCall{}, false
	}
	return t.ToolCalls[i], true
}

// Payload fields are decoded independently: a field of the wrong type is
// dropped without losing the rest of the event.

type metadataPayload struct {
	MessageID scalarString `json:"messageId"`
}

type toolCallPayload struct {
	ToolCallID scalarString    `json:"toolCallId"`
	ToolName   scalarString    `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

type toolResultPayload struct {
	ToolCallID scalarString `json:"toolCallId"`
	Result     []FAQResult  `json:"result"`
}

type finishPayload struct {
	Usage        json.RawMessage `json:"usage"`
	FinishReason string          `json:"finishReason"`
	IsContinued  *bool           `json:"isContinued"`
}

// usage decodes the usage field when it is a JSON object.
func (p finishPayload) usage() *Usage {
	raw := bytes.TrimSpace(p.Usage)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var u Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil
	}
	return &u
}

// Apply folds one event into t and returns the new aggregate. t itself is
// never modified: slices are copied before they change, so earlier
// snapshots stay valid. Payloads that do not have the expected shape, and
// unknown tags, return t unchanged.
func Apply(t Turn, ev Event) Turn {
	switch ev.Tag {
	case TagMetadata:
		var p metadataPayload
		if !ev.Value.Decode(&p) || p.MessageID == "" {
			return t
		}
		t.MessageID = string(p.MessageID)
		return t

	case TagToolCall:
		var p toolCallPayload
		if !ev.Value.Decode(&p) {
			return t
		}
		// Clip forces append to copy instead of writing into a shared array.
		t.ToolCalls = append(slices.Clip(t.ToolCalls), ToolCall{
			ID:   string(p.ToolCallID),
			Name: string(p.ToolName),
			Args: p.Args,
		})
		return t

	case TagToolResult:
		var p toolResultPayload
		if !ev.Value.Decode(&p) {
			return t
		}
		i := slices.IndexFunc(t.ToolCalls, func(tc ToolCall) bool { return tc.ID == string(p.ToolCallID) })
		if i < 0 {
			return t
		}
		t.ToolCalls = slices.Clone(t.ToolCalls)
		t.ToolCalls[i].Result = p.Result
		t.ToolCalls[i].HasResult = true
		return t

	case TagText:
		text, ok := ev.Value.Text()
		if !ok {
			return t
		}
		t.ResponseText += text
		return t

	case TagFinish, TagStepFinish:
		var p finishPayload
		if !ev.Value.Decode(&p) {
			return t
		}
		if u := p.usage(); u != nil {
			t.Usage = u
		}
		if p.FinishReason != "" {
			t.FinishReason = p.FinishReason
		}
		if ev.Tag == TagFinish && p.IsContinued != nil {
			t.IsContinued = *p.IsContinued
		}
		return t

	default:
		return t
	}
}

// deltaText reports the text a text-delta event appends, if any.
func deltaText(ev Event) (string, bool) {
	if ev.Tag != TagText {
		return "", false
	}
	return ev.Value.Text()
}
