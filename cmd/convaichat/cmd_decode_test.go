package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/user/convaichat/pkg/datastream"
)

func TestDecodeStream(t *testing.T) {
	stream := "f:{\"messageId\":\"msg-1\"}\n0:\"Hello\"\n0:\" there\"\ne:{\"finishReason\":\"stop\",\"usage\":{\"promptTokens\":2,\"completionTokens\":3}}"

	var out, deltas bytes.Buffer
	if err := decodeStream(context.Background(), strings.NewReader(stream), &out, &deltas, 4); err != nil {
		t.Fatal(err)
	}

	var turn datastream.Turn
	if err := json.Unmarshal(out.Bytes(), &turn); err != nil {
		t.Fatalf("output is not a turn: %v\n%s", err, out.String())
	}
	if turn.MessageID != "msg-1" || turn.ResponseText != "Hello there" || turn.FinishReason != "stop" {
		t.Errorf("unexpected turn %+v", turn)
	}
	if turn.Usage == nil || turn.Usage.Total() != 5 {
		t.Errorf("unexpected usage %+v", turn.Usage)
	}
	if deltas.String() != "Hello there\n" {
		t.Errorf("expected deltas echoed, got %q", deltas.String())
	}
}

func TestDecodeStreamNoDeltas(t *testing.T) {
	var out bytes.Buffer
	if err := decodeStream(context.Background(), strings.NewReader(""), &out, nil, 0); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"toolCalls": []`) {
		t.Errorf("expected empty aggregate, got %s", out.String())
	}
}

func TestDecodeStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := decodeStream(ctx, strings.NewReader("0:\"x\"\n"), &out, nil, 0)
	var readErr *datastream.ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("expected ReadError, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output on failure, got %s", out.String())
	}
}
