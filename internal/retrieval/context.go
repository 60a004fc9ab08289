package retrieval

import (
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

// Context size limits in characters.
const (
	DefaultDocMaxChars   = 2000
	DefaultTotalMaxChars = 8000
)

// ContextBuilder assembles prompt context from retrieved documents.
type ContextBuilder struct {
	DocMaxChars   int
	TotalMaxChars int
}

// NewContextBuilder returns a builder with the given caps, falling back to the
// defaults for non-positive values.
func NewContextBuilder(docMax, totalMax int) *ContextBuilder {
	if docMax <= 0 {
		docMax = DefaultDocMaxChars
	}
	if totalMax <= 0 {
		totalMax = DefaultTotalMaxChars
	}
	return &ContextBuilder{DocMaxChars: docMax, TotalMaxChars: totalMax}
}

// Build appends one TITLE/SOURCE/CONTENT block per document in retrieval
// order and stops before the first block that would exceed the total cap.
// The result never ends in a partial block; empty input yields "".
func (b *ContextBuilder) Build(docs []model.RetrievedDocument) string {
	var sb strings.Builder
	total := 0

	for _, d := range docs {
		block := "TITLE: " + d.Title + "\n" +
			"SOURCE: " + d.SourceURL + "\n" +
			"CONTENT: " + truncate(d.Content, b.DocMaxChars) + "\n\n"

		n := utf8.RuneCountInString(block)
		if total+n > b.TotalMaxChars {
			break
		}
		sb.WriteString(block)
		total += n
	}

	return sb.String()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
