// Package capture implements the three provider parsers (OpenAI chat
// completions, Anthropic messages, Ollama NDJSON) and the stream tee that
// drives them from live upstream bytes. Parsers are expressed as a single
// capability set interface over three concrete, tagged implementations —
// not an open inheritance hierarchy.
package capture

import (
	"net/http"

	"github.com/interceptor-proxy/interceptor/model"
)

// RequestModel is the normalized shape extracted from a request body,
// independent of wire format.
type RequestModel struct {
	Model           string
	SystemPrompt    *string
	Messages        []model.Message
	Tools           []model.Tool
	ImageMetadata   []model.ImageMetadata
	StreamRequested bool
}

// StreamEvent is one decoded unit handed back by FeedChunk. EventType tags
// the kind of frame observed (e.g. "message_start", "chunk", "done",
// model.EventMalformed) and is recorded on the corresponding StreamChunk row.
// Decoded carries the parsed JSON payload (or, for non-JSON sentinel frames
// like OpenAI's "[DONE]", the raw text fragment) that produced the event; it
// is left nil for model.EventMalformed frames, which have nothing to decode.
type StreamEvent struct {
	EventType string
	Decoded   []byte
}

// StreamResult is the assembled output of a finished stream, or of a
// non-streaming response parsed in one shot.
type StreamResult struct {
	ReconstructedText string
	ToolCalls         []model.ToolCall
	PromptTokens      int
	CompletionTokens  int
	TotalTokens       int
	TokensEstimated   bool
	FinishReason      string
	Error             string
}

// StreamState is opaque per-parser accumulator state. Exactly one handler
// goroutine owns it for the lifetime of one interaction's stream — it is
// never shared across goroutines.
type StreamState interface{}

// Parser is the capability set every provider decoder implements.
type Parser interface {
	ParseRequest(body []byte, headers http.Header) (RequestModel, error)
	BeginStream() StreamState
	FeedChunk(s StreamState, raw []byte) []StreamEvent
	FinalizeStream(s StreamState) StreamResult
	ParseNonStreamResponse(status int, headers http.Header, body []byte) StreamResult
}

// For returns the Parser implementation for a provider. Passthrough has no
// parser — callers must skip semantic assembly entirely for it.
func For(p model.Provider) Parser {
	switch p {
	case model.ProviderOpenAI:
		return openAIParser{}
	case model.ProviderAnthropic:
		return anthropicParser{}
	case model.ProviderOllama:
		return ollamaParser{}
	default:
		return nil
	}
}

// EstimateTokens applies the documented heuristic — ceil(bytes/4) — to the
// UTF-8 byte length of text, clamped to at least 1 whenever text is
// non-empty. Callers mark StreamResult.TokensEstimated when they use this.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
