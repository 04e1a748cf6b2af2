// Package streaming owns the transport side of upstream streams: SSE
// parsing with first-chunk and whole-stream watchdogs, collection of a
// stream into its events for non-stream callers, and the downstream SSE
// and NDJSON writers.
package streaming

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// maxLineSize bounds a single SSE line; image parts arrive base64-inline
// and can run to megabytes.
const maxLineSize = 16 * 1024 * 1024

// Scanner yields the data payloads of an SSE byte stream, skipping
// comments, event names, and keepalives.
type Scanner struct {
	reader *bufio.Reader
}

// NewScanner wraps an upstream response body.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-empty data payload, or io.EOF.
func (s *Scanner) Next() ([]byte, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		return payload, nil
	}
}

func (s *Scanner) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, io.ErrUnexpectedEOF
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// SSEWriter writes server-sent events downstream, flushing after each.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares an SSE response on w, setting the stream headers
// when w is an http.ResponseWriter.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		header := rw.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
	}
	if fl, ok := w.(http.Flusher); ok {
		sw.flusher = fl
	}
	return sw
}

// WriteData emits "data: <payload>".
func (s *SSEWriter) WriteData(payload string) error {
	if _, err := io.WriteString(s.w, "data: "+payload+"\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteEvent emits a named event, the Anthropic stream framing.
func (s *SSEWriter) WriteEvent(name, payload string) error {
	if _, err := io.WriteString(s.w, "event: "+name+"\ndata: "+payload+"\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Done emits the OpenAI terminator.
func (s *SSEWriter) Done() error {
	return s.WriteData("[DONE]")
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// NDJSONWriter writes newline-delimited JSON, the bridge stream framing.
type NDJSONWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewNDJSONWriter prepares an NDJSON response on w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	nw := &NDJSONWriter{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		rw.Header().Set("Content-Type", "application/x-ndjson")
		rw.Header().Set("Cache-Control", "no-cache")
	}
	if fl, ok := w.(http.Flusher); ok {
		nw.flusher = fl
	}
	return nw
}

// WriteLine emits one JSON document and a newline.
func (n *NDJSONWriter) WriteLine(doc []byte) error {
	if _, err := n.w.Write(append(doc, '\n')); err != nil {
		return err
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}
