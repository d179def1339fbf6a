package render

import (
	"strings"
	"testing"

	"github.com/user/convaichat/pkg/datastream"
)

func TestMarkdownSKU(t *testing.T) {
	got := Markdown("Try the blender||SKU-123|| today")
	want := "Try the blender _(SKU-123)_ today"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMarkdownTightensLists(t *testing.T) {
	got := Markdown("Options:\n\n* one\n\n* two")
	want := "Options:\n* one\n* two"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMarkdownLeavesPlainText(t *testing.T) {
	in := "No markers | here || at all"
	if got := Markdown(in); got != in {
		t.Errorf("expected text unchanged, got %q", got)
	}
}

func TestSources(t *testing.T) {
	calls := []datastream.ToolCall{
		{ID: "pending", Name: "ragTool"},
		{
			ID:        "c1",
			Name:      "ragTool",
			HasResult: true,
			Result: []datastream.FAQResult{
				{ID: "doc-1", Score: 0.9, Metadata: datastream.FAQMetadata{Title: "Returns", Content: "<p>Within <strong>30 days</strong>.</p>"}},
				{ID: "doc-2", Score: 0.5},
			},
		},
	}

	got := Sources(calls)
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 source lines, got %q", got)
	}
	if !strings.Contains(lines[0], "**Returns** (0.90)") {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if !strings.Contains(lines[0], "**30 days**") {
		t.Errorf("expected HTML converted to markdown, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "**doc-2**") {
		t.Errorf("expected id as title fallback, got %q", lines[1])
	}
}

func TestSourcesEmpty(t *testing.T) {
	if got := Sources(nil); got != "" {
		t.Errorf("expected empty output, got %q", got)
	}
}

func TestExcerptTruncates(t *testing.T) {
	got := Excerpt(strings.Repeat("word ", 200))
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if n := len([]rune(got)); n != maxSourceChars+1 {
		t.Errorf("expected %d runes, got %d", maxSourceChars+1, n)
	}
}
