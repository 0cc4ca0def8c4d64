package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
)

// sseStream writes server-sent events. Every event is a data line with a
// JSON payload; the stream is closed by a literal [DONE] marker.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSE(w http.ResponseWriter) (*sseStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Stop nginx and friends from buffering the stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseStream{w: w, f: f}, nil
}

func (s *sseStream) Event(v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.write(buf)
}

func (s *sseStream) Error(message string) {
	s.Event(map[string]string{"type": "error", "message": message})
}

func (s *sseStream) Done() {
	s.write([]byte("[DONE]"))
}

func (s *sseStream) write(payload []byte) {
	s.w.Write([]byte("data: "))
	s.w.Write(payload)
	s.w.Write([]byte("\r\n\r\n"))
	s.f.Flush()
}
