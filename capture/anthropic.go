package capture

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/interceptor-proxy/interceptor/model"
)

// anthropicParser decodes the Anthropic /v1/messages wire format: named SSE
// events ("event: <type>\ndata: <json>\n\n") that incrementally build up
// content blocks addressed by index.
type anthropicParser struct{}

type anthropicRequestBody struct {
	Model    string               `json:"model"`
	System   json.RawMessage      `json:"system"`
	Messages []anthropicMessage   `json:"messages"`
	Tools    []anthropicTool      `json:"tools"`
	Stream   bool                 `json:"stream"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func (anthropicParser) ParseRequest(body []byte, _ http.Header) (RequestModel, error) {
	var req anthropicRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestModel{}, err
	}

	rm := RequestModel{Model: req.Model, StreamRequested: req.Stream}

	if len(req.System) > 0 {
		text, _ := extractAnthropicContent(req.System)
		rm.SystemPrompt = &text
	}

	var images []model.ImageMetadata
	for _, m := range req.Messages {
		text, imgs := extractAnthropicContent(m.Content)
		images = append(images, imgs...)
		rm.Messages = append(rm.Messages, model.Message{Role: m.Role, Content: text})
	}
	rm.ImageMetadata = reindexImages(images)

	for _, t := range req.Tools {
		rm.Tools = append(rm.Tools, model.Tool{
			Name:        t.Name,
			Description: t.Description,
			Raw:         t.InputSchema,
		})
	}

	return rm, nil
}

// extractAnthropicContent handles both the plain-string content form and the
// array-of-typed-blocks form ({"type":"text"|"image", ...}).
func extractAnthropicContent(raw json.RawMessage) (string, []model.ImageMetadata) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []struct {
		Type   string `json:"type"`
		Text   string `json:"text"`
		Source struct {
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		} `json:"source"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw), nil
	}

	var sb strings.Builder
	var images []model.ImageMetadata
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "image":
			if b.Source.Data != "" {
				images = append(images, model.ImageMetadata{
					MIME:      b.Source.MediaType,
					SizeBytes: base64DecodedLen(b.Source.Data),
				})
			}
		}
	}
	return sb.String(), images
}

// --- streaming assembly ------------------------------------------------------

type anthropicBlock struct {
	blockType string
	text      strings.Builder
	toolID    string
	toolName  string
	toolJSON  strings.Builder
}

type anthropicStreamState struct {
	lb           lineBuffer
	pendingEvent string
	blocks       map[int]*anthropicBlock
	order        []int
	finishReason string
	promptTokens int
	outputTokens int
	errMsg       string
}

func (anthropicParser) BeginStream() StreamState {
	return &anthropicStreamState{blocks: make(map[int]*anthropicBlock)}
}

func (anthropicParser) FeedChunk(s StreamState, raw []byte) []StreamEvent {
	st := s.(*anthropicStreamState)
	var events []StreamEvent

	for _, line := range st.lb.Feed(raw) {
		switch {
		case strings.HasPrefix(line, "event:"):
			st.pendingEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			evtType := st.pendingEvent
			if evtType == "" {
				evtType = "message"
			}
			if err := applyAnthropicEvent(st, evtType, payload); err != nil {
				events = append(events, StreamEvent{EventType: model.EventMalformed})
				continue
			}
			events = append(events, StreamEvent{EventType: evtType, Decoded: []byte(payload)})
		case line == "":
			st.pendingEvent = ""
		}
	}

	return events
}

func applyAnthropicEvent(st *anthropicStreamState, evtType, payload string) error {
	switch evtType {
	case "message_start":
		var env struct {
			Message struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return err
		}
		st.promptTokens = env.Message.Usage.InputTokens

	case "content_block_start":
		var env struct {
			Index int `json:"index"`
			Block struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return err
		}
		block := &anthropicBlock{blockType: env.Block.Type, toolID: env.Block.ID, toolName: env.Block.Name}
		st.blocks[env.Index] = block
		st.order = append(st.order, env.Index)

	case "content_block_delta":
		var env struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return err
		}
		block, ok := st.blocks[env.Index]
		if !ok {
			block = &anthropicBlock{}
			st.blocks[env.Index] = block
			st.order = append(st.order, env.Index)
		}
		switch env.Delta.Type {
		case "text_delta":
			block.text.WriteString(env.Delta.Text)
		case "input_json_delta":
			block.toolJSON.WriteString(env.Delta.PartialJSON)
		}

	case "content_block_stop":
		// No accumulation needed; block state is already complete.

	case "message_delta":
		var env struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return err
		}
		if env.Delta.StopReason != "" {
			st.finishReason = env.Delta.StopReason
		}
		if env.Usage.OutputTokens != 0 {
			st.outputTokens = env.Usage.OutputTokens
		}

	case "message_stop", "ping":
		// No payload fields of interest.

	case "error":
		var env struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return err
		}
		st.errMsg = env.Error.Message

	default:
		// Unknown event types are recorded but ignored for reconstruction.
	}
	return nil
}

func (anthropicParser) FinalizeStream(s StreamState) StreamResult {
	st := s.(*anthropicStreamState)

	var text strings.Builder
	var toolCalls []model.ToolCall
	for _, idx := range st.order {
		block := st.blocks[idx]
		switch block.blockType {
		case "text":
			text.WriteString(block.text.String())
		case "tool_use":
			toolCalls = append(toolCalls, model.ToolCall{
				Index:     idx,
				ID:        block.toolID,
				Name:      block.toolName,
				Arguments: json.RawMessage(block.toolJSON.String()),
			})
		}
	}

	result := StreamResult{
		ReconstructedText: text.String(),
		ToolCalls:         toolCalls,
		FinishReason:      st.finishReason,
		PromptTokens:      st.promptTokens,
		CompletionTokens:  st.outputTokens,
		Error:             st.errMsg,
	}
	result.TotalTokens = result.PromptTokens + result.CompletionTokens
	if result.CompletionTokens == 0 && result.ReconstructedText != "" {
		result.CompletionTokens = EstimateTokens(result.ReconstructedText)
		result.TotalTokens = result.PromptTokens + result.CompletionTokens
		result.TokensEstimated = true
	}
	return result
}

// --- non-streaming response --------------------------------------------------

type anthropicNonStreamResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (anthropicParser) ParseNonStreamResponse(status int, _ http.Header, body []byte) StreamResult {
	var resp anthropicNonStreamResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StreamResult{Error: "malformed anthropic response"}
	}
	if resp.Error != nil {
		return StreamResult{Error: resp.Error.Message}
	}
	if status >= 400 {
		return StreamResult{Error: string(body)}
	}

	var text strings.Builder
	var toolCalls []model.ToolCall
	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, model.ToolCall{
				Index:     i,
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	result := StreamResult{
		ReconstructedText: text.String(),
		ToolCalls:         toolCalls,
		FinishReason:      resp.StopReason,
		PromptTokens:      resp.Usage.InputTokens,
		CompletionTokens:  resp.Usage.OutputTokens,
		TotalTokens:       resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return result
}

func base64DecodedLen(data string) int {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return 0
	}
	return len(decoded)
}
