// Package render prepares assistant output for display.
package render

import (
	"fmt"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/convaichat/pkg/datastream"
)

var skuPattern = regexp.MustCompile(`\|\|([^|]+)\|\|`)

// Markdown rewrites ||SKU|| markers as emphasis and tightens bullet lists
// that the agent separates with blank lines.
func Markdown(text string) string {
	text = skuPattern.ReplaceAllString(text, " _(${1})_")
	return strings.ReplaceAll(text, "\n\n* ", "\n* ")
}

// maxSourceChars bounds the excerpt shown per FAQ result.
const maxSourceChars = 300

// Sources renders the FAQ results attached to tool calls as a markdown
// list. Result content may be HTML; it is converted to markdown. Calls
// without results are skipped.
func Sources(calls []datastream.ToolCall) string {
	var b strings.Builder
	for _, tc := range calls {
		if !tc.HasResult || len(tc.Result) == 0 {
			continue
		}
		for _, r := range tc.Result {
			title := strings.TrimSpace(r.Metadata.Title)
			if title == "" {
				title = r.ID
			}
			fmt.Fprintf(&b, "* **%s** (%.2f)", title, r.Score)
			if excerpt := Excerpt(r.Metadata.Content); excerpt != "" {
				fmt.Fprintf(&b, ": %s", excerpt)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Excerpt converts FAQ content to single-line markdown, truncated for
// display. Content that fails to convert is used as-is.
func Excerpt(content string) string {
	md, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		md = content
	}
	md = strings.Join(strings.Fields(md), " ")
	if r := []rune(md); len(r) > maxSourceChars {
		md = string(r[:maxSourceChars]) + "…"
	}
	return md
}
