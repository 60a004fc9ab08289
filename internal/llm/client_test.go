package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenSystem(t *testing.T) {
	msgs := []ChatMessage{{Role: "user", Content: "Pitanje"}}

	out := flattenSystem("Upute", msgs)
	require.Len(t, out, 1)
	assert.Equal(t, "Upute\n\nPitanje", out[0].Content)
	assert.Equal(t, "Pitanje", msgs[0].Content, "input must not be mutated")

	assert.Equal(t, msgs, flattenSystem("", msgs))

	onlyAssistant := flattenSystem("Upute", []ChatMessage{{Role: "assistant", Content: "x"}})
	require.Len(t, onlyAssistant, 2)
	assert.Equal(t, "user", onlyAssistant[0].Role)
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(ProviderOpenAI, Options{})
	assert.Error(t, err)

	_, err = NewClient(ProviderAnthropic, Options{})
	assert.Error(t, err)

	c, err := NewClient(ProviderOpenAI, Options{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, defaultOpenAIModel, c.DefaultModel())
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient(Provider("gemini"), Options{APIKey: "k"})
	assert.ErrorContains(t, err, "unknown llm provider")
}

func sseServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for i, c := range chunks {
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
			if i == len(chunks)-1 {
				fmt.Fprint(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClient_CompleteStream(t *testing.T) {
	srv := sseServer(t, "Matični ", "ured radi ", "od 8 sati.")
	c, err := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-test"})
	require.NoError(t, err)

	var tokens []string
	resp, err := c.CompleteStream(context.Background(), &CompletionRequest{
		System:   "Upute",
		Messages: []ChatMessage{{Role: "user", Content: "Kada radi matični ured?"}},
	}, func(token string, index int) error {
		assert.Equal(t, len(tokens), index)
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Matični ", "ured radi ", "od 8 sati."}, tokens)
	assert.Equal(t, "Matični ured radi od 8 sati.", resp.Content)
	assert.Equal(t, "gpt-test", resp.Model)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestOpenAIClient_CallbackErrorAborts(t *testing.T) {
	srv := sseServer(t, "a", "b")
	c, err := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	stop := errors.New("stop")
	_, err = c.CompleteStream(context.Background(), &CompletionRequest{}, func(string, int) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestOpenAIClient_EmptyStream(t *testing.T) {
	srv := sseServer(t, "  ")
	c, err := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = c.CompleteStream(context.Background(), &CompletionRequest{}, func(string, int) error { return nil })
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}
