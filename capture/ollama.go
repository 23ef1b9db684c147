package capture

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/interceptor-proxy/interceptor/model"
)

// ollamaParser decodes Ollama's two request shapes (/api/generate's "prompt"
// field and /api/chat's "messages" field) and its NDJSON response framing,
// where each line is a complete JSON object and the final line carries
// "done": true.
type ollamaParser struct{}

type ollamaRequestBody struct {
	Model    string          `json:"model"`
	Prompt   string          `json:"prompt"`
	System   string          `json:"system"`
	Messages []ollamaMessage `json:"messages"`
	Stream   *bool           `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (ollamaParser) ParseRequest(body []byte, _ http.Header) (RequestModel, error) {
	var req ollamaRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestModel{}, err
	}

	// Ollama streams by default unless the caller explicitly opts out.
	streamRequested := true
	if req.Stream != nil {
		streamRequested = *req.Stream
	}

	rm := RequestModel{Model: req.Model, StreamRequested: streamRequested}

	if req.System != "" {
		sp := req.System
		rm.SystemPrompt = &sp
	}

	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			if m.Role == "system" && rm.SystemPrompt == nil {
				sp := m.Content
				rm.SystemPrompt = &sp
			}
			rm.Messages = append(rm.Messages, model.Message{Role: m.Role, Content: m.Content})
		}
	} else if req.Prompt != "" {
		rm.Messages = append(rm.Messages, model.Message{Role: "user", Content: req.Prompt})
	}

	return rm, nil
}

// --- streaming assembly ------------------------------------------------------

type ollamaStreamLine struct {
	Response string `json:"response"`
	Message  struct {
		Content string `json:"content"`
	} `json:"message"`
	Done           bool   `json:"done"`
	DoneReason     string `json:"done_reason"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	EvalCount       int   `json:"eval_count"`
}

type ollamaStreamState struct {
	lb           lineBuffer
	text         strings.Builder
	finishReason string
	promptCount  int
	evalCount    int
	hasCounts    bool
}

func (ollamaParser) BeginStream() StreamState {
	return &ollamaStreamState{}
}

func (ollamaParser) FeedChunk(s StreamState, raw []byte) []StreamEvent {
	st := s.(*ollamaStreamState)
	var events []StreamEvent

	for _, line := range st.lb.Feed(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}

		var obj ollamaStreamLine
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			events = append(events, StreamEvent{EventType: model.EventMalformed})
			continue
		}

		if obj.Response != "" {
			st.text.WriteString(obj.Response)
		}
		if obj.Message.Content != "" {
			st.text.WriteString(obj.Message.Content)
		}

		if obj.Done {
			st.finishReason = obj.DoneReason
			if obj.PromptEvalCount != 0 || obj.EvalCount != 0 {
				st.hasCounts = true
				st.promptCount = obj.PromptEvalCount
				st.evalCount = obj.EvalCount
			}
			events = append(events, StreamEvent{EventType: "done", Decoded: []byte(line)})
			continue
		}

		events = append(events, StreamEvent{EventType: "chunk", Decoded: []byte(line)})
	}

	return events
}

func (ollamaParser) FinalizeStream(s StreamState) StreamResult {
	st := s.(*ollamaStreamState)

	result := StreamResult{
		ReconstructedText: st.text.String(),
		FinishReason:      st.finishReason,
	}

	if st.hasCounts {
		result.PromptTokens = st.promptCount
		result.CompletionTokens = st.evalCount
		result.TotalTokens = st.promptCount + st.evalCount
	} else if result.ReconstructedText != "" {
		result.CompletionTokens = EstimateTokens(result.ReconstructedText)
		result.TotalTokens = result.CompletionTokens
		result.TokensEstimated = true
	}

	return result
}

// --- non-streaming response --------------------------------------------------

type ollamaNonStreamResponse struct {
	Response string `json:"response"`
	Message  struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (ollamaParser) ParseNonStreamResponse(status int, _ http.Header, body []byte) StreamResult {
	if status >= 400 {
		return StreamResult{Error: string(body)}
	}

	var resp ollamaNonStreamResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StreamResult{Error: "malformed ollama response"}
	}

	text := resp.Response
	if text == "" {
		text = resp.Message.Content
	}

	result := StreamResult{
		ReconstructedText: text,
		FinishReason:      resp.DoneReason,
		PromptTokens:      resp.PromptEvalCount,
		CompletionTokens:  resp.EvalCount,
		TotalTokens:       resp.PromptEvalCount + resp.EvalCount,
	}
	if result.TotalTokens == 0 && text != "" {
		result.CompletionTokens = EstimateTokens(text)
		result.TotalTokens = result.CompletionTokens
		result.TokensEstimated = true
	}
	return result
}
