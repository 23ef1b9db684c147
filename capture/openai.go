package capture

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/interceptor-proxy/interceptor/model"
)

// openAIParser decodes the OpenAI chat/completions wire format: SSE frames
// of "data: <json>\n\n", sentinel "data: [DONE]\n\n".
type openAIParser struct{}

type openAIRequestBody struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools"`
	Stream   bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

func (openAIParser) ParseRequest(body []byte, _ http.Header) (RequestModel, error) {
	var req openAIRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestModel{}, err
	}

	rm := RequestModel{Model: req.Model, StreamRequested: req.Stream}

	var images []model.ImageMetadata
	for _, m := range req.Messages {
		text, imgs := extractOpenAIContent(m.Content)
		images = append(images, imgs...)
		if m.Role == "system" && rm.SystemPrompt == nil {
			sp := text
			rm.SystemPrompt = &sp
		}
		rm.Messages = append(rm.Messages, model.Message{Role: m.Role, Content: text})
	}
	rm.ImageMetadata = reindexImages(images)

	for _, t := range req.Tools {
		rm.Tools = append(rm.Tools, model.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Raw:         t.Function.Parameters,
		})
	}

	return rm, nil
}

// extractOpenAIContent handles both the plain-string content form and the
// array-of-typed-blocks form ({"type":"text"|"image_url", ...}).
func extractOpenAIContent(raw json.RawMessage) (string, []model.ImageMetadata) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
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
		case "image_url":
			if mime, size, ok := decodeDataURL(b.ImageURL.URL); ok {
				images = append(images, model.ImageMetadata{MIME: mime, SizeBytes: size})
			}
		}
	}
	return sb.String(), images
}

// --- streaming assembly ------------------------------------------------------

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIToolAccum struct {
	id, name, arguments string
}

type openAIStreamState struct {
	lb           lineBuffer
	text         strings.Builder
	toolCalls    map[int]*openAIToolAccum
	order        []int
	finishReason string
	hasUsage     bool
	prompt       int
	completion   int
	total        int
}

func (openAIParser) BeginStream() StreamState {
	return &openAIStreamState{toolCalls: make(map[int]*openAIToolAccum)}
}

func (openAIParser) FeedChunk(s StreamState, raw []byte) []StreamEvent {
	st := s.(*openAIStreamState)
	var events []StreamEvent

	for _, line := range st.lb.Feed(raw) {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			events = append(events, StreamEvent{EventType: "done", Decoded: []byte(payload)})
			continue
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			events = append(events, StreamEvent{EventType: model.EventMalformed})
			continue
		}
		events = append(events, StreamEvent{EventType: "chunk", Decoded: []byte(payload)})

		if chunk.Usage != nil {
			st.hasUsage = true
			st.prompt = chunk.Usage.PromptTokens
			st.completion = chunk.Usage.CompletionTokens
			st.total = chunk.Usage.TotalTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				st.text.WriteString(choice.Delta.Content)
			}
			for _, tc := range choice.Delta.ToolCalls {
				accum, ok := st.toolCalls[tc.Index]
				if !ok {
					accum = &openAIToolAccum{}
					st.toolCalls[tc.Index] = accum
					st.order = append(st.order, tc.Index)
				}
				if tc.ID != "" {
					accum.id = tc.ID
				}
				if tc.Function != nil {
					if tc.Function.Name != "" {
						accum.name = tc.Function.Name
					}
					accum.arguments += tc.Function.Arguments
				}
			}
			if choice.FinishReason != "" {
				st.finishReason = choice.FinishReason
			}
		}
	}

	return events
}

func (openAIParser) FinalizeStream(s StreamState) StreamResult {
	st := s.(*openAIStreamState)

	result := StreamResult{
		ReconstructedText: st.text.String(),
		FinishReason:      st.finishReason,
	}

	sort.Ints(st.order)
	for _, idx := range st.order {
		accum := st.toolCalls[idx]
		result.ToolCalls = append(result.ToolCalls, model.ToolCall{
			Index:     idx,
			ID:        accum.id,
			Name:      accum.name,
			Arguments: json.RawMessage(accum.arguments),
		})
	}

	if st.hasUsage {
		result.PromptTokens = st.prompt
		result.CompletionTokens = st.completion
		result.TotalTokens = st.total
	} else if result.ReconstructedText != "" {
		result.CompletionTokens = EstimateTokens(result.ReconstructedText)
		result.TotalTokens = result.CompletionTokens
		result.TokensEstimated = true
	}

	return result
}

// --- non-streaming response --------------------------------------------------

type openAINonStreamResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (openAIParser) ParseNonStreamResponse(status int, _ http.Header, body []byte) StreamResult {
	if status >= 400 {
		return StreamResult{Error: string(body)}
	}

	var resp openAINonStreamResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return StreamResult{Error: "malformed openai response"}
	}

	choice := resp.Choices[0]
	result := StreamResult{
		ReconstructedText: choice.Message.Content,
		FinishReason:      choice.FinishReason,
		PromptTokens:      resp.Usage.PromptTokens,
		CompletionTokens:  resp.Usage.CompletionTokens,
		TotalTokens:       resp.Usage.TotalTokens,
	}
	for i, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, model.ToolCall{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if result.TotalTokens == 0 && result.ReconstructedText != "" {
		result.CompletionTokens = EstimateTokens(result.ReconstructedText)
		result.TotalTokens = result.CompletionTokens
		result.TokensEstimated = true
	}
	return result
}
