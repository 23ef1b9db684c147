package store

import (
	"database/sql"
	"encoding/json"

	"github.com/interceptor-proxy/interceptor/model"
)

// migrate creates the schema if it does not already exist. There is exactly
// one schema version so far; this grows into a version-numbered ladder if a
// future column ever needs to change shape.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS interactions (
		id                 TEXT PRIMARY KEY,
		session_id         TEXT,
		started_at         DATETIME NOT NULL,
		completed_at       DATETIME,
		provider           TEXT NOT NULL,
		method             TEXT NOT NULL,
		path               TEXT NOT NULL,
		client_addr        TEXT,
		request_headers    TEXT,
		request_body_raw   BLOB,
		model              TEXT,
		system_prompt      TEXT,
		messages           TEXT,
		tools              TEXT,
		image_metadata     TEXT,
		stream_requested   BOOLEAN,
		status_code        INTEGER,
		response_headers   TEXT,
		response_body_raw  BLOB,
		reconstructed_text TEXT,
		tool_calls         TEXT,
		finish_reason      TEXT,
		error              TEXT,
		prompt_tokens      INTEGER,
		completion_tokens  INTEGER,
		total_tokens       INTEGER,
		tokens_estimated   BOOLEAN,
		cost_estimate      REAL,
		ttfb_ms            INTEGER,
		ttft_ms            INTEGER,
		total_latency_ms   INTEGER,
		chunk_count        INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_started ON interactions(started_at);
	CREATE INDEX IF NOT EXISTS idx_interactions_provider ON interactions(provider);
	CREATE INDEX IF NOT EXISTS idx_interactions_model ON interactions(model);

	CREATE TABLE IF NOT EXISTS stream_chunks (
		id             TEXT PRIMARY KEY,
		interaction_id TEXT NOT NULL REFERENCES interactions(id),
		seq            INTEGER NOT NULL,
		received_at    DATETIME NOT NULL,
		raw            BLOB,
		decoded        TEXT,
		event_type     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_interaction ON stream_chunks(interaction_id, seq);
	`)
	return err
}

// interactionSelectColumns lists every column scanInteraction expects, in
// order, so a single query string can be shared by GetInteraction's single
// row and ListInteractions' row set. Response-side columns that stay NULL
// until FinalizeInteraction runs are defaulted, so a row that has only been
// inserted still scans.
const interactionSelectColumns = `SELECT
	id, session_id, started_at, completed_at, provider, method, path, client_addr,
	request_headers, request_body_raw, model, system_prompt, messages, tools,
	image_metadata, stream_requested, COALESCE(status_code, 0), COALESCE(response_headers, ''), response_body_raw,
	COALESCE(reconstructed_text, ''), COALESCE(tool_calls, ''), COALESCE(finish_reason, ''), error,
	COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0), COALESCE(total_tokens, 0),
	COALESCE(tokens_estimated, 0), cost_estimate, ttfb_ms, ttft_ms,
	COALESCE(total_latency_ms, 0), COALESCE(chunk_count, 0)`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInteraction(rs rowScanner) (model.Interaction, error) {
	var in model.Interaction
	var (
		sessionID, systemPrompt, errMsg                       sql.NullString
		completedAt                                           sql.NullTime
		costEstimate                                          sql.NullFloat64
		ttfbMs, ttftMs                                         sql.NullInt64
		headersJSON, messagesJSON, toolsJSON, imagesJSON       string
		respHeadersJSON, toolCallsJSON                         string
		provider                                               string
	)

	err := rs.Scan(
		&in.ID, &sessionID, &in.StartedAt, &completedAt, &provider, &in.Method, &in.Path, &in.ClientAddr,
		&headersJSON, &in.RequestBodyRaw, &in.Model, &systemPrompt, &messagesJSON, &toolsJSON,
		&imagesJSON, &in.StreamRequested, &in.StatusCode, &respHeadersJSON, &in.ResponseBodyRaw,
		&in.ReconstructedText, &toolCallsJSON, &in.FinishReason, &errMsg, &in.PromptTokens, &in.CompletionTokens,
		&in.TotalTokens, &in.TokensEstimated, &costEstimate, &ttfbMs, &ttftMs, &in.TotalLatencyMs, &in.ChunkCount,
	)
	if err != nil {
		return model.Interaction{}, err
	}

	in.Provider = model.Provider(provider)
	if sessionID.Valid {
		in.SessionID = &sessionID.String
	}
	if systemPrompt.Valid {
		in.SystemPrompt = &systemPrompt.String
	}
	if errMsg.Valid {
		in.Error = &errMsg.String
	}
	if completedAt.Valid {
		in.CompletedAt = completedAt.Time
	}
	if costEstimate.Valid {
		in.CostEstimate = &costEstimate.Float64
	}
	if ttfbMs.Valid {
		in.TTFBMs = &ttfbMs.Int64
	}
	if ttftMs.Valid {
		in.TTFTMs = &ttftMs.Int64
	}

	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &in.RequestHeaders); err != nil {
			return model.Interaction{}, err
		}
	}
	if respHeadersJSON != "" {
		if err := json.Unmarshal([]byte(respHeadersJSON), &in.ResponseHeaders); err != nil {
			return model.Interaction{}, err
		}
	}
	if messagesJSON != "" {
		if err := json.Unmarshal([]byte(messagesJSON), &in.Messages); err != nil {
			return model.Interaction{}, err
		}
	}
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &in.Tools); err != nil {
			return model.Interaction{}, err
		}
	}
	if imagesJSON != "" {
		if err := json.Unmarshal([]byte(imagesJSON), &in.ImageMetadata); err != nil {
			return model.Interaction{}, err
		}
	}
	if toolCallsJSON != "" {
		if err := json.Unmarshal([]byte(toolCallsJSON), &in.ToolCalls); err != nil {
			return model.Interaction{}, err
		}
	}

	return in, nil
}
