// ABOUTME: Tests for fragment indexing, id stability, and selection resolution
// ABOUTME: Covers markdown span extraction and the resolution precedence rules

package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepstudy/internal/store"
)

const sampleAnswer = "Factorial is defined recursively.\n" +
	"\n" +
	"```python\n" +
	"def fact(n):\n" +
	"    if n <= 1:\n" +
	"        return 1\n" +
	"    return n * fact(n - 1)\n" +
	"```\n" +
	"\n" +
	"The square $x^2$ grows fast, while $$\\sum_{i=1}^{n} i = \\frac{n(n+1)}{2}$$ sums a range.\n"

func indexSample(t *testing.T) []*store.Fragment {
	t.Helper()
	ix := NewIndexer(NewMarkdownFinder())
	fragments := ix.Index("node-1", sampleAnswer)
	require.NotEmpty(t, fragments)
	return fragments
}

func TestMarkdownFinder_Spans(t *testing.T) {
	finder := NewMarkdownFinder()
	spans := finder.Find(sampleAnswer)

	require.Len(t, spans, 5)

	assert.Equal(t, store.FragmentText, spans[0].Type)
	assert.Equal(t, "Factorial is defined recursively.", spans[0].Content)

	assert.Equal(t, store.FragmentCode, spans[1].Type)
	assert.Equal(t, "def fact(n):\n    if n <= 1:\n        return 1\n    return n * fact(n - 1)", spans[1].Content)

	// Formulas come out with delimiters stripped, before their paragraph.
	assert.Equal(t, store.FragmentFormula, spans[2].Type)
	assert.Equal(t, "x^2", spans[2].Content)
	assert.Equal(t, store.FragmentFormula, spans[3].Type)
	assert.Equal(t, "\\sum_{i=1}^{n} i = \\frac{n(n+1)}{2}", spans[3].Content)

	assert.Equal(t, store.FragmentText, spans[4].Type)
	assert.Contains(t, spans[4].Content, "$x^2$")
}

func TestMarkdownFinder_IndentedCode(t *testing.T) {
	finder := NewMarkdownFinder()
	spans := finder.Find("Example:\n\n    x = 1\n    y = 2\n")

	require.Len(t, spans, 2)
	assert.Equal(t, store.FragmentText, spans[0].Type)
	assert.Equal(t, store.FragmentCode, spans[1].Type)
	assert.Equal(t, "x = 1\ny = 2", spans[1].Content)
}

func TestMarkdownFinder_DisplayMathParagraph(t *testing.T) {
	finder := NewMarkdownFinder()
	spans := finder.Find("$$\nE = mc^2\n$$\n")

	require.Len(t, spans, 2)
	assert.Equal(t, store.FragmentFormula, spans[0].Type)
	assert.Equal(t, "E = mc^2", spans[0].Content)
	assert.Equal(t, store.FragmentText, spans[1].Type)
}

func TestMarkdownFinder_Deterministic(t *testing.T) {
	finder := NewMarkdownFinder()
	first := finder.Find(sampleAnswer)
	second := finder.Find(sampleAnswer)
	assert.Equal(t, first, second)
}

func TestIndexer_StableIDs(t *testing.T) {
	ix := NewIndexer(NewMarkdownFinder())

	first := ix.Index("node-1", sampleAnswer)
	second := ix.Index("node-1", sampleAnswer)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, i, first[i].Position)
	}
}

func TestIndexer_DuplicateContentDistinctIDs(t *testing.T) {
	answer := "```\nx = 1\n```\n\ntext between\n\n```\nx = 1\n```\n"
	ix := NewIndexer(NewMarkdownFinder())
	fragments := ix.Index("node-1", answer)

	var code []*store.Fragment
	for _, f := range fragments {
		if f.Type == store.FragmentCode {
			code = append(code, f)
		}
	}
	require.Len(t, code, 2)
	assert.Equal(t, code[0].Content, code[1].Content)
	assert.NotEqual(t, code[0].ID, code[1].ID)
}

func TestResolve_ExactBeatsContainment(t *testing.T) {
	fragments := indexSample(t)

	// "x^2" is both the exact content of the formula fragment and a
	// substring of the closing paragraph. Exact equality wins.
	f, err := Resolve(fragments, "x^2")
	require.NoError(t, err)
	assert.Equal(t, store.FragmentFormula, f.Type)
	assert.Equal(t, "x^2", f.Content)
}

func TestResolve_SelectionWithinFragment(t *testing.T) {
	fragments := indexSample(t)

	f, err := Resolve(fragments, "return n * fact(n - 1)")
	require.NoError(t, err)
	assert.Equal(t, store.FragmentCode, f.Type)
}

func TestResolve_FragmentWithinSelection(t *testing.T) {
	fragments := indexSample(t)

	// A sloppy selection that drags past the paragraph boundary still
	// resolves to the fragment it contains.
	selection := "Factorial is defined recursively.\n\n```python"
	f, err := Resolve(fragments, selection)
	require.NoError(t, err)
	assert.Equal(t, store.FragmentText, f.Type)
	assert.Equal(t, "Factorial is defined recursively.", f.Content)
}

func TestResolve_TieBreakEarliest(t *testing.T) {
	fragments := []*store.Fragment{
		{ID: "text-0-aaa", Type: store.FragmentText, Content: "the chain rule appears here", Position: 0},
		{ID: "text-1-bbb", Type: store.FragmentText, Content: "and the chain rule appears again", Position: 1},
	}

	f, err := Resolve(fragments, "chain rule")
	require.NoError(t, err)
	assert.Equal(t, "text-0-aaa", f.ID)
}

func TestResolve_NoMatch(t *testing.T) {
	fragments := indexSample(t)

	_, err := Resolve(fragments, "completely unrelated selection")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestResolve_EmptySelection(t *testing.T) {
	fragments := indexSample(t)

	_, err := Resolve(fragments, "")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestFindByID(t *testing.T) {
	fragments := indexSample(t)

	f, err := FindByID(fragments, fragments[1].ID)
	require.NoError(t, err)
	assert.Equal(t, fragments[1].ID, f.ID)

	_, err = FindByID(fragments, "code-9-000000000000")
	assert.ErrorIs(t, err, ErrInvalidReference)
}
