// ABOUTME: Markdown span finder built on the goldmark AST
// ABOUTME: Extracts code blocks, TeX math regions, and paragraph text in document order

package fragment

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/deepstudy/internal/store"
)

var (
	displayMathRe = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	inlineMathRe  = regexp.MustCompile(`\$([^$\n]+)\$`)
)

// MarkdownFinder locates addressable spans in a markdown answer. Fenced and
// indented code blocks become code spans. Paragraphs are scanned for TeX
// math ($$...$$ and $...$), each region becoming a formula span with the
// delimiters stripped, then the paragraph itself becomes a text span.
type MarkdownFinder struct {
	md goldmark.Markdown
}

// NewMarkdownFinder creates a finder with a default goldmark parser.
func NewMarkdownFinder() *MarkdownFinder {
	return &MarkdownFinder{md: goldmark.New()}
}

// Find parses the answer and returns its spans in document order. Parsing
// the same answer always yields the same spans in the same order.
func (f *MarkdownFinder) Find(answer string) []Span {
	source := []byte(answer)
	doc := f.md.Parser().Parse(text.NewReader(source))

	var spans []Span
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			if content := blockContent(source, node.Lines()); content != "" {
				spans = append(spans, Span{Type: store.FragmentCode, Content: content})
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			if content := blockContent(source, node.Lines()); content != "" {
				spans = append(spans, Span{Type: store.FragmentCode, Content: content})
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			raw := blockContent(source, node.Lines())
			if raw == "" {
				return ast.WalkSkipChildren, nil
			}
			spans = append(spans, mathSpans(raw)...)
			spans = append(spans, Span{Type: store.FragmentText, Content: raw})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return spans
}

// blockContent joins a block node's raw source lines, dropping the trailing
// newline so span content matches what a user would actually select.
func blockContent(source []byte, lines *text.Segments) string {
	var buf bytes.Buffer
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return strings.TrimRight(buf.String(), "\n")
}

// mathSpans extracts formula spans from one paragraph's raw text. Display
// regions are matched first and blanked out so their inner dollars cannot
// also match as inline math, then both sets are merged back into offset
// order.
func mathSpans(raw string) []Span {
	type match struct {
		start   int
		content string
	}
	var matches []match

	blanked := []byte(raw)
	for _, idx := range displayMathRe.FindAllStringSubmatchIndex(raw, -1) {
		inner := strings.TrimSpace(raw[idx[2]:idx[3]])
		if inner != "" {
			matches = append(matches, match{start: idx[0], content: inner})
		}
		for i := idx[0]; i < idx[1]; i++ {
			blanked[i] = ' '
		}
	}
	for _, idx := range inlineMathRe.FindAllSubmatchIndex(blanked, -1) {
		inner := strings.TrimSpace(raw[idx[2]:idx[3]])
		if inner != "" {
			matches = append(matches, match{start: idx[0], content: inner})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	spans := make([]Span, 0, len(matches))
	for _, m := range matches {
		spans = append(spans, Span{Type: store.FragmentFormula, Content: m.content})
	}
	return spans
}
