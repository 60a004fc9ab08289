// Package sse writes the chat stream frame grammar:
//
//	data: <line>\n ... \n            zero or more token blocks
//	event: meta\ndata: <json>\n\n     exactly one meta block
//	data: [DONE]\n\n                  terminal sentinel
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DoneSentinel terminates every chat stream.
const DoneSentinel = "[DONE]"

// ErrClosed is returned after the client connection stopped accepting writes.
var ErrClosed = errors.New("sse: stream closed")

// Writer frames events onto an HTTP response.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	err     error
}

// NewWriter wraps w. It fails when the response cannot be flushed.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Start writes the event-stream headers. It is called implicitly by the
// first frame.
func (s *Writer) Start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// Started reports whether headers have been sent.
func (s *Writer) Started() bool {
	return s.started
}

// Err returns the first write error, if any.
func (s *Writer) Err() error {
	return s.err
}

// Data writes one data block. Multiline text is split into several data:
// lines under one blank-line-terminated block.
func (s *Writer) Data(text string) error {
	var b strings.Builder
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return s.write(b.String())
}

// Event writes a named event whose payload is JSON-encoded.
func (s *Writer) Event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

// Done writes the terminal sentinel.
func (s *Writer) Done() error {
	return s.write("data: " + DoneSentinel + "\n\n")
}

func (s *Writer) write(frame string) error {
	if s.err != nil {
		return s.err
	}
	s.Start()
	if _, err := s.w.Write([]byte(frame)); err != nil {
		s.err = fmt.Errorf("%w: %v", ErrClosed, err)
		return s.err
	}
	s.flusher.Flush()
	return nil
}
