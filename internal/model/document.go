package model

// Document is a tenant-scoped knowledge source with its embedding.
type Document struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	SourceURL string    `json:"source_url"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
}

// RetrievedDocument is a document returned by similarity search.
type RetrievedDocument struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	SourceURL  string  `json:"source_url"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// DocumentSource is the compact form of a retrieved document shown to clients.
type DocumentSource struct {
	Title  string  `json:"title"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// TopSources returns the first n documents as sources.
func TopSources(docs []RetrievedDocument, n int) []DocumentSource {
	if n > len(docs) {
		n = len(docs)
	}
	out := make([]DocumentSource, 0, n)
	for _, d := range docs[:n] {
		out = append(out, DocumentSource{Title: d.Title, Source: d.SourceURL, Score: d.Similarity})
	}
	return out
}
