package sse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_FrameGrammar(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Data("Dobar dan"))
	require.NoError(t, w.Data("prvi red\ndrugi red"))
	require.NoError(t, w.Event("meta", map[string]any{"needs_human": false}))
	require.NoError(t, w.Done())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: Dobar dan\n\n"+
			"data: prvi red\ndata: drugi red\n\n"+
			"event: meta\ndata: {\"needs_human\":false}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())
}

func TestWriter_StartIsIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	assert.False(t, w.Started())
	w.Start()
	w.Start()
	assert.True(t, w.Started())
	assert.Equal(t, 200, rec.Code)
}
