package server

import (
	"encoding/json"
	"net/http"
)

// ndjsonWriter writes one JSON document per line and flushes after each so
// snapshots reach the client incrementally.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	flusher, _ := w.(http.Flusher)
	return &ndjsonWriter{
		w:       w,
		flusher: flusher,
		enc:     json.NewEncoder(w),
	}
}

func (n *ndjsonWriter) write(v interface{}) error {
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}
