package proxyhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/interceptor-proxy/interceptor/config"
	"github.com/interceptor-proxy/interceptor/model"
	"github.com/interceptor-proxy/interceptor/redact"
)

// setInteractionError records the first error observed on an interaction;
// later calls do not overwrite an already-recorded error, since the first
// failure is usually the root cause.
func setInteractionError(in *model.Interaction, msg string) {
	if in.Error != nil {
		return
	}
	in.Error = &msg
}

// redactedHeaderMap flattens an http.Header into the map[string]string shape
// stored on an Interaction, applying header redaction unless disabled.
func redactedHeaderMap(cfg *config.Config, h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for name := range h {
		flat[name] = h.Get(name)
	}
	if cfg == nil || cfg.Redact {
		return redact.Headers(flat)
	}
	return flat
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

func newBodyReader(body []byte) io.Reader {
	return bytes.NewReader(body)
}

// chunkSinkAdapter lets the handler's InteractionStore interface satisfy
// capture.ChunkSink without the capture package importing proxyhandler.
type chunkSinkAdapter struct {
	store InteractionStore
}

func (a chunkSinkAdapter) AppendChunk(ctx context.Context, c model.StreamChunk) error {
	return a.store.AppendChunk(ctx, c)
}
