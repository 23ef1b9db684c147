// Package model holds the domain types captured by the proxy: Interaction,
// StreamChunk, and the derived Session aggregate.
package model

import (
	"encoding/json"
	"time"
)

// Provider identifies which upstream wire format an interaction speaks.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderOllama      Provider = "ollama"
	ProviderPassthrough Provider = "passthrough"
)

// Message is a single role-tagged turn extracted from a request body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool is a tool/function schema as declared by the client, kept opaque.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ImageMetadata records the shape of an inlined image without its bytes.
type ImageMetadata struct {
	Index     int    `json:"index"`
	MIME      string `json:"mime"`
	SizeBytes int    `json:"size_bytes"`
}

// ToolCall is one tool/function invocation assembled from a response,
// streamed or not.
type ToolCall struct {
	Index     int             `json:"index"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Interaction is one client-observed request/response cycle — the unit of
// capture. It is created when request headers are parsed, mutated only by
// the handler goroutine that owns it, and immutable once the handler has
// finalized it.
type Interaction struct {
	ID          string
	SessionID   *string
	StartedAt   time.Time
	CompletedAt time.Time
	Provider    Provider
	Method      string
	Path        string
	ClientAddr  string

	// Request fields.
	RequestHeaders  map[string]string
	RequestBodyRaw  []byte
	Model           string
	SystemPrompt    *string
	Messages        []Message
	Tools           []Tool
	ImageMetadata   []ImageMetadata
	StreamRequested bool

	// Response fields.
	StatusCode        int
	ResponseHeaders    map[string]string
	ResponseBodyRaw    []byte
	ReconstructedText  string
	ToolCalls          []ToolCall
	FinishReason       string
	Error              *string

	// Metrics.
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	TokensEstimated  bool
	CostEstimate     *float64
	TTFBMs           *int64
	TTFTMs           *int64
	TotalLatencyMs   int64

	ChunkCount int
}

// StreamChunk is one framed unit received during a streaming response. It is
// created strictly in receive order by the tee and never mutated afterward.
type StreamChunk struct {
	ID            string
	InteractionID string
	Seq           int
	ReceivedAt    time.Time
	Raw           []byte
	Decoded       json.RawMessage
	EventType     string
}

// SessionSummary is a derived aggregate over interactions sharing a
// non-null SessionID. It is never persisted as its own row.
type SessionSummary struct {
	SessionID     string
	Count         int
	Models        []string
	FirstSeen     time.Time
	LastSeen      time.Time
}

// EventType constants used by the stream tee and parsers when recording
// StreamChunk rows.
const (
	EventMalformed = "malformed"
)
