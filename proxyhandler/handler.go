// Package proxyhandler implements the transparent reverse-proxy state
// machine: classify the request, forward it upstream unmodified, tee the
// response to the client while reconstructing it, and persist the finished
// Interaction.
package proxyhandler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/interceptor-proxy/interceptor/capture"
	"github.com/interceptor-proxy/interceptor/classify"
	"github.com/interceptor-proxy/interceptor/config"
	"github.com/interceptor-proxy/interceptor/logging"
	"github.com/interceptor-proxy/interceptor/model"
	"github.com/interceptor-proxy/interceptor/session"
	"github.com/interceptor-proxy/interceptor/upstream"
)

// idleReadTimeout bounds how long the tee will wait between upstream bytes
// before treating the connection as stalled.
const idleReadTimeout = 120 * time.Second

// hopByHopHeaders are stripped before forwarding in either direction, per
// the reverse-proxy header discipline documented by
// net/http/httputil.ReverseProxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// errorKind enumerates the failure modes recognized by this handler, each
// mapped to an HTTP status and recorded on the finished Interaction.
type errorKind string

const (
	errClientMalformed  errorKind = "client_malformed"
	errUpstreamConnect  errorKind = "upstream_connect"
	errUpstreamTimeout  errorKind = "upstream_timeout"
	errUpstreamProtocol errorKind = "upstream_protocol"
	errClientDisconnect errorKind = "client_disconnect"
)

func (k errorKind) httpStatus() int {
	switch k {
	case errClientMalformed:
		return http.StatusBadRequest
	case errUpstreamConnect:
		return http.StatusBadGateway
	case errUpstreamTimeout:
		return http.StatusGatewayTimeout
	case errUpstreamProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// InteractionStore is the persistence surface the handler depends on.
type InteractionStore interface {
	InsertInteraction(ctx context.Context, in model.Interaction) error
	FinalizeInteraction(ctx context.Context, in model.Interaction) error
	AppendChunk(ctx context.Context, c model.StreamChunk) error
}

// Handler is the http.Handler that implements the proxy state machine.
type Handler struct {
	cfg    *config.Config
	store  InteractionStore
	cache  *upstream.Cache
	logger *logging.Logger
}

// New constructs a Handler wired to a config, a store, and an upstream
// connection cache.
func New(cfg *config.Config, st InteractionStore, cache *upstream.Cache, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{cfg: cfg, store: st, cache: cache, logger: logger}
}

// ServeHTTP drives one request through
// RECEIVING_REQUEST -> CLASSIFIED -> FORWARDING -> [STREAMING|AWAITING_BODY]
// -> FINALIZING -> PERSISTED.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	// RECEIVING_REQUEST
	reqBody, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		h.writeError(w, nil, errClientMalformed, "failed to read request body")
		return
	}

	sessionID, forwardPath := session.Extract(r.URL.Path)

	// CLASSIFIED
	provider := classify.Classify(forwardPath, r.Header)

	in := &model.Interaction{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		StartedAt:       start,
		Provider:        provider,
		Method:          r.Method,
		Path:            r.URL.Path,
		ClientAddr:      r.RemoteAddr,
		RequestHeaders:  redactedHeaderMap(h.cfg, r.Header),
		RequestBodyRaw:  reqBody,
		StreamRequested: false,
	}

	parser := capture.For(provider)
	if parser != nil && len(reqBody) > 0 {
		if rm, perr := parser.ParseRequest(reqBody, r.Header); perr == nil {
			in.Model = rm.Model
			in.SystemPrompt = rm.SystemPrompt
			in.Messages = rm.Messages
			in.Tools = rm.Tools
			in.ImageMetadata = rm.ImageMetadata
			in.StreamRequested = rm.StreamRequested
		}
	}

	if err := h.store.InsertInteraction(ctx, *in); err != nil {
		h.logger.Warnf("insert interaction %s: %v", in.ID, err)
	}

	upstreamBase := h.cfg.UpstreamURL(string(provider))
	if upstreamBase == "" {
		h.finalizeWithError(ctx, in, errUpstreamConnect, "no upstream configured for provider "+string(provider))
		h.writeError(w, in, errUpstreamConnect, "no upstream configured")
		return
	}

	// FORWARDING
	upstreamReq, err := h.buildUpstreamRequest(ctx, upstreamBase, forwardPath, r, reqBody)
	if err != nil {
		h.finalizeWithError(ctx, in, errClientMalformed, err.Error())
		h.writeError(w, in, errClientMalformed, "failed to build upstream request")
		return
	}

	client := h.cache.Get(string(provider), upstreamReq.URL.Host)
	resp, err := client.Do(upstreamReq)
	if err != nil {
		kind := errUpstreamConnect
		if errors.Is(err, context.DeadlineExceeded) {
			kind = errUpstreamTimeout
		}
		h.finalizeWithError(ctx, in, kind, err.Error())
		h.writeError(w, in, kind, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	in.StatusCode = resp.StatusCode
	in.ResponseHeaders = redactedHeaderMap(h.cfg, resp.Header)

	respHeaders := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			respHeaders.Add(k, v)
		}
	}
	stripHopByHopHeaders(respHeaders)
	w.WriteHeader(resp.StatusCode)

	if isStreaming(resp, in.StreamRequested) {
		h.handleStreaming(ctx, w, resp, in, parser)
	} else {
		h.handleBuffered(ctx, w, resp, in, parser)
	}
}

// isStreaming decides STREAMING vs AWAITING_BODY. The client's stream
// request flag is the primary signal; an SSE/NDJSON content type confirms
// it even if the flag could not be determined from the body.
func isStreaming(resp *http.Response, streamRequested bool) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "x-ndjson") {
		return true
	}
	return streamRequested
}

// handleStreaming implements the STREAMING path via the tee.
func (h *Handler) handleStreaming(ctx context.Context, w http.ResponseWriter, resp *http.Response, in *model.Interaction, parser capture.Parser) {
	ctx, cancel := context.WithTimeout(ctx, idleReadTimeout)
	defer cancel()

	result := capture.Tee(ctx, w, resp.Body, in.ID, parser, chunkSinkAdapter{h.store})

	in.CompletedAt = time.Now()
	in.ChunkCount = result.ChunkCount
	in.TTFBMs = result.TTFBMs
	applyStreamResult(in, result.Result)

	switch {
	case result.ClientError != nil:
		setInteractionError(in, string(errClientDisconnect))
	case result.UpstreamErr != nil:
		setInteractionError(in, string(errUpstreamProtocol))
	}

	in.TotalLatencyMs = in.CompletedAt.Sub(in.StartedAt).Milliseconds()
	h.finalize(ctx, in)
}

// handleBuffered implements the AWAITING_BODY path: the full response is
// read, written to the client verbatim, and parsed in one shot.
func (h *Handler) handleBuffered(ctx context.Context, w http.ResponseWriter, resp *http.Response, in *model.Interaction, parser capture.Parser) {
	body, err := capture.DrainBody(resp.Body)
	in.ResponseBodyRaw = body
	in.CompletedAt = time.Now()

	if err != nil {
		setInteractionError(in, string(errUpstreamProtocol))
	} else if _, werr := w.Write(body); werr != nil {
		setInteractionError(in, string(errClientDisconnect))
	}

	if parser != nil && len(body) > 0 {
		result := parser.ParseNonStreamResponse(resp.StatusCode, resp.Header, body)
		applyStreamResult(in, result)
	}

	in.TotalLatencyMs = in.CompletedAt.Sub(in.StartedAt).Milliseconds()
	h.finalize(ctx, in)
}

func applyStreamResult(in *model.Interaction, result capture.StreamResult) {
	if result.ReconstructedText != "" {
		in.ReconstructedText = result.ReconstructedText
	}
	if len(result.ToolCalls) > 0 {
		in.ToolCalls = result.ToolCalls
	}
	if result.FinishReason != "" {
		in.FinishReason = result.FinishReason
	}
	if result.PromptTokens != 0 {
		in.PromptTokens = result.PromptTokens
	}
	if result.CompletionTokens != 0 {
		in.CompletionTokens = result.CompletionTokens
	}
	if result.TotalTokens != 0 {
		in.TotalTokens = result.TotalTokens
	}
	in.TokensEstimated = result.TokensEstimated
	if result.Error != "" {
		setInteractionError(in, result.Error)
	}
}

func (h *Handler) finalize(ctx context.Context, in *model.Interaction) {
	h.applyCostEstimate(in)
	if err := h.store.FinalizeInteraction(ctx, *in); err != nil {
		h.logger.Warnf("finalize interaction %s: %v", in.ID, err)
	}
}

// applyCostEstimate sets Interaction.CostEstimate from the configured cost
// table, leaving it nil when no rate is configured for the model.
func (h *Handler) applyCostEstimate(in *model.Interaction) {
	if in.Model == "" || in.TotalTokens == 0 {
		return
	}
	rate, ok := h.cfg.CostPer1K(in.Model)
	if !ok {
		return
	}
	cost := float64(in.TotalTokens) / 1000 * rate
	in.CostEstimate = &cost
}

func (h *Handler) finalizeWithError(ctx context.Context, in *model.Interaction, kind errorKind, detail string) {
	in.CompletedAt = time.Now()
	setInteractionError(in, string(kind))
	in.TotalLatencyMs = in.CompletedAt.Sub(in.StartedAt).Milliseconds()
	h.logger.Warnf("interaction %s failed: %s: %s", in.ID, kind, detail)
	h.finalize(ctx, in)
}

func (h *Handler) writeError(w http.ResponseWriter, in *model.Interaction, kind errorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.httpStatus())
	envelope := map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    string(kind),
			"message": message,
		},
	}
	_ = writeJSON(w, envelope)
}

// buildUpstreamRequest constructs the outbound request with the original
// method, headers (hop-by-hop stripped, Host replaced), and body, targeting
// base+forwardPath.
func (h *Handler) buildUpstreamRequest(ctx context.Context, base, forwardPath string, r *http.Request, body []byte) (*http.Request, error) {
	target := strings.TrimRight(base, "/") + forwardPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, target, newBodyReader(body))
	if err != nil {
		return nil, err
	}

	upstreamReq.Header = r.Header.Clone()
	stripHopByHopHeaders(upstreamReq.Header)
	upstreamReq.Host = upstreamReq.URL.Host

	return upstreamReq, nil
}
