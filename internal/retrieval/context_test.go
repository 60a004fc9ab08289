package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

func TestContextBuilder_Empty(t *testing.T) {
	b := NewContextBuilder(0, 0)
	assert.Equal(t, "", b.Build(nil))
}

func TestContextBuilder_TruncatesEachDocument(t *testing.T) {
	b := NewContextBuilder(2000, 8000)
	out := b.Build([]model.RetrievedDocument{
		{Title: "T", SourceURL: "https://grad.hr/a", Content: strings.Repeat("a", 5000)},
	})

	assert.Contains(t, out, "TITLE: T\nSOURCE: https://grad.hr/a\nCONTENT: ")
	assert.Equal(t, 2000, strings.Count(out, "a"))
}

func TestContextBuilder_RespectsTotalBudget(t *testing.T) {
	b := NewContextBuilder(2000, 8000)

	var docs []model.RetrievedDocument
	for i := 0; i < 6; i++ {
		docs = append(docs, model.RetrievedDocument{
			Title:     "Dokument",
			SourceURL: "https://grad.hr/doc",
			Content:   strings.Repeat("č", 2500),
		})
	}

	out := b.Build(docs)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 8000)
	assert.Equal(t, 3, strings.Count(out, "TITLE: "))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("č", 2000)+"\n\n"))
}

func TestContextBuilder_StopsAtFirstOverflowingDocument(t *testing.T) {
	b := NewContextBuilder(100, 200)
	out := b.Build([]model.RetrievedDocument{
		{Title: "first", Content: strings.Repeat("x", 50)},
		{Title: "second", Content: strings.Repeat("y", 100)},
		{Title: "third", Content: "z"},
	})

	assert.Contains(t, out, "first")
	assert.NotContains(t, out, "second")
	assert.NotContains(t, out, "third")
}
