package capture

import "testing"

func TestOllamaParseRequest_GeneratePrompt(t *testing.T) {
	body := `{"model":"llama3.2","prompt":"why is the sky blue"}`

	rm, err := ollamaParser{}.ParseRequest([]byte(body), nil)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !rm.StreamRequested {
		t.Error("expected stream to default true when omitted")
	}
	if len(rm.Messages) != 1 || rm.Messages[0].Content != "why is the sky blue" {
		t.Errorf("unexpected messages: %+v", rm.Messages)
	}
}

func TestOllamaParseRequest_ChatMessages(t *testing.T) {
	body := `{"model":"llama3.2","stream":false,"messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`

	rm, err := ollamaParser{}.ParseRequest([]byte(body), nil)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if rm.StreamRequested {
		t.Error("expected stream false when explicitly set")
	}
	if rm.SystemPrompt == nil || *rm.SystemPrompt != "be terse" {
		t.Errorf("expected system prompt from messages, got %v", rm.SystemPrompt)
	}
	if len(rm.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rm.Messages))
	}
}

// TestOllamaStream_NDJSONConcatenation verifies that response/message.content
// fragments across NDJSON lines concatenate to the same text as a single
// non-streamed response, and that the done line's counters are captured.
func TestOllamaStream_NDJSONConcatenation(t *testing.T) {
	p := ollamaParser{}
	state := p.BeginStream()

	lines := "" +
		`{"model":"llama3.2","response":"The sky","done":false}` + "\n" +
		`{"model":"llama3.2","response":" is blue","done":false}` + "\n" +
		`{"model":"llama3.2","response":"","done":true,"done_reason":"stop","prompt_eval_count":6,"eval_count":4}` + "\n"

	events := p.FeedChunk(state, []byte(lines))

	var sawDone bool
	for _, e := range events {
		if e.EventType == "done" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected a done event on the final NDJSON line")
	}

	result := p.FinalizeStream(state)
	if result.ReconstructedText != "The sky is blue" {
		t.Errorf("expected concatenated text, got %q", result.ReconstructedText)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %s", result.FinishReason)
	}
	if result.PromptTokens != 6 || result.CompletionTokens != 4 {
		t.Errorf("expected provider counts, got prompt=%d completion=%d", result.PromptTokens, result.CompletionTokens)
	}
	if result.TokensEstimated {
		t.Error("did not expect estimation when counts are present")
	}
}

func TestOllamaStream_MalformedLineIsSkippedNotFatal(t *testing.T) {
	p := ollamaParser{}
	state := p.BeginStream()

	events := p.FeedChunk(state, []byte("{not json}\n{\"response\":\"ok\",\"done\":true}\n"))

	var sawMalformed bool
	for _, e := range events {
		if e.EventType == "malformed" {
			sawMalformed = true
		}
	}
	if !sawMalformed {
		t.Error("expected a malformed event for the bad line")
	}

	result := p.FinalizeStream(state)
	if result.ReconstructedText != "ok" {
		t.Errorf("expected recovery and continued accumulation, got %q", result.ReconstructedText)
	}
}

func TestOllamaParseNonStreamResponse_Chat(t *testing.T) {
	body := `{"message":{"content":"hi"},"done_reason":"stop","prompt_eval_count":2,"eval_count":1}`
	result := ollamaParser{}.ParseNonStreamResponse(200, nil, []byte(body))
	if result.ReconstructedText != "hi" {
		t.Errorf("expected text hi, got %q", result.ReconstructedText)
	}
	if result.TotalTokens != 3 {
		t.Errorf("expected total tokens 3, got %d", result.TotalTokens)
	}
}
