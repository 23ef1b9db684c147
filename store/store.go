// Package store persists captured interactions and their stream chunks to
// SQLite. Writes are serialized through a single goroutine so SQLite's
// single-writer constraint never produces SQLITE_BUSY under concurrent
// handler goroutines; reads go straight to the database connection, which
// database/sql pools safely across goroutines.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/interceptor-proxy/interceptor/model"
)

// ErrNotFound is returned when a lookup by ID matches no row.
var ErrNotFound = errors.New("store: not found")

// writeQueueDepth bounds how many writes from concurrent callers may wait
// for the writer goroutine. Every write call blocks until its own write has
// run (or its context ends); once the queue is full, callers also block
// before their write is queued.
const writeQueueDepth = 512

type writeJob struct {
	exec func(*sql.DB) error
	done chan error
}

// Store is the SQLite-backed persistence layer for interactions and stream
// chunks. The zero value is not usable; construct with Open.
type Store struct {
	db     *sql.DB
	writes chan writeJob
	stop   chan struct{}
}

// Open opens (or creates) the SQLite database at path, migrates it to the
// current schema, and starts the write-serializing goroutine.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single physical connection is all SQLite needs here, and it keeps
	// every exec on the writer path serialized without an explicit mutex.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		writes: make(chan writeJob, writeQueueDepth),
		stop:   make(chan struct{}),
	}
	go s.runWriter()
	return s, nil
}

// Close drains pending writes and releases the database connection.
func (s *Store) Close() error {
	close(s.writes)
	<-s.stop
	return s.db.Close()
}

func (s *Store) runWriter() {
	defer close(s.stop)
	for job := range s.writes {
		job.done <- job.exec(s.db)
	}
}

func (s *Store) write(ctx context.Context, exec func(*sql.DB) error) error {
	done := make(chan error, 1)
	select {
	case s.writes <- writeJob{exec: exec, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InsertInteraction writes the parent row for an interaction. Per the
// parent-row-first ordering, this must complete before any of its chunks are
// appended so a chunk's foreign key always resolves.
func (s *Store) InsertInteraction(ctx context.Context, in model.Interaction) error {
	return s.write(ctx, func(db *sql.DB) error {
		headers, err := json.Marshal(in.RequestHeaders)
		if err != nil {
			return err
		}
		messages, err := json.Marshal(in.Messages)
		if err != nil {
			return err
		}
		tools, err := json.Marshal(in.Tools)
		if err != nil {
			return err
		}
		images, err := json.Marshal(in.ImageMetadata)
		if err != nil {
			return err
		}

		_, err = db.Exec(`INSERT INTO interactions (
			id, session_id, started_at, provider, method, path, client_addr,
			request_headers, request_body_raw, model, system_prompt, messages,
			tools, image_metadata, stream_requested
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, nullableString(in.SessionID), in.StartedAt.UTC(), string(in.Provider),
			in.Method, in.Path, in.ClientAddr, string(headers), in.RequestBodyRaw,
			in.Model, nullableString(in.SystemPrompt), string(messages), string(tools),
			string(images), in.StreamRequested,
		)
		return err
	})
}

// FinalizeInteraction writes the response-side fields once the interaction
// is complete — the handler owns the row exclusively until this point, so
// this is an unconditional UPDATE rather than an upsert.
func (s *Store) FinalizeInteraction(ctx context.Context, in model.Interaction) error {
	return s.write(ctx, func(db *sql.DB) error {
		respHeaders, err := json.Marshal(in.ResponseHeaders)
		if err != nil {
			return err
		}
		toolCalls, err := json.Marshal(in.ToolCalls)
		if err != nil {
			return err
		}

		_, err = db.Exec(`UPDATE interactions SET
			completed_at = ?, status_code = ?, response_headers = ?,
			response_body_raw = ?, reconstructed_text = ?, tool_calls = ?,
			finish_reason = ?, error = ?, prompt_tokens = ?, completion_tokens = ?,
			total_tokens = ?, tokens_estimated = ?, cost_estimate = ?,
			ttfb_ms = ?, ttft_ms = ?, total_latency_ms = ?, chunk_count = ?
			WHERE id = ?`,
			in.CompletedAt.UTC(), in.StatusCode, string(respHeaders), in.ResponseBodyRaw,
			in.ReconstructedText, string(toolCalls), in.FinishReason, nullableString(in.Error),
			in.PromptTokens, in.CompletionTokens, in.TotalTokens, in.TokensEstimated,
			nullableFloat(in.CostEstimate), nullableInt64(in.TTFBMs), nullableInt64(in.TTFTMs),
			in.TotalLatencyMs, in.ChunkCount, in.ID,
		)
		return err
	})
}

// AppendChunk inserts one stream chunk row. Implements capture.ChunkSink.
func (s *Store) AppendChunk(ctx context.Context, c model.StreamChunk) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO stream_chunks
			(id, interaction_id, seq, received_at, raw, decoded, event_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.InteractionID, c.Seq, c.ReceivedAt.UTC(), c.Raw, string(c.Decoded), c.EventType,
		)
		return err
	})
}

// GetInteraction fetches one interaction by ID, without its chunks.
func (s *Store) GetInteraction(ctx context.Context, id string) (model.Interaction, error) {
	row := s.db.QueryRowContext(ctx, interactionSelectColumns+` FROM interactions WHERE id = ?`, id)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Interaction{}, ErrNotFound
	}
	return in, err
}

// ListInteractionsFilter narrows ListInteractions. Zero-value fields are
// unfiltered.
type ListInteractionsFilter struct {
	SessionID string
	Provider  model.Provider
	Model     string
	Limit     int
	Offset    int
}

// ListInteractions returns interactions newest-first matching the filter.
func (s *Store) ListInteractions(ctx context.Context, f ListInteractionsFilter) ([]model.Interaction, error) {
	query := interactionSelectColumns + ` FROM interactions WHERE 1=1`
	var args []interface{}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(f.Provider))
	}
	if f.Model != "" {
		query += ` AND model = ?`
		args = append(args, f.Model)
	}
	query += ` ORDER BY started_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ListChunks returns every chunk for an interaction in receive order.
func (s *Store) ListChunks(ctx context.Context, interactionID string) ([]model.StreamChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, interaction_id, seq, received_at, raw, decoded, event_type
		 FROM stream_chunks WHERE interaction_id = ? ORDER BY seq ASC`, interactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StreamChunk
	for rows.Next() {
		var c model.StreamChunk
		var decoded string
		if err := rows.Scan(&c.ID, &c.InteractionID, &c.Seq, &c.ReceivedAt, &c.Raw, &decoded, &c.EventType); err != nil {
			return nil, err
		}
		c.Decoded = json.RawMessage(decoded)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSessions returns the derived per-session aggregate, newest-first by
// last activity.
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(started_at), MAX(started_at)
		FROM interactions
		WHERE session_id IS NOT NULL
		GROUP BY session_id
		ORDER BY MAX(started_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// MIN/MAX results carry no DATETIME column type, so the driver returns
	// them as the text it stored, in go-sqlite3's default timestamp layout.
	const storedTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

	var out []model.SessionSummary
	for rows.Next() {
		var sess model.SessionSummary
		var firstSeen, lastSeen string
		if err := rows.Scan(&sess.SessionID, &sess.Count, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		if sess.FirstSeen, err = time.Parse(storedTimeLayout, firstSeen); err != nil {
			return nil, err
		}
		if sess.LastSeen, err = time.Parse(storedTimeLayout, lastSeen); err != nil {
			return nil, err
		}
		models, err := s.distinctModelsForSession(ctx, sess.SessionID)
		if err != nil {
			return nil, err
		}
		sess.Models = models
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) distinctModelsForSession(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT model FROM interactions WHERE session_id = ? AND model != ''`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// Stats is the aggregate summary exposed by the admin stats endpoint.
type Stats struct {
	TotalInteractions int
	ByProvider        map[string]int
	TotalPromptTokens int
	TotalCompletionTokens int
	TotalCost         float64
}

// GetStats computes aggregate counters across all stored interactions.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByProvider: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(cost_estimate), 0)
		FROM interactions`).Scan(
		&stats.TotalInteractions, &stats.TotalPromptTokens,
		&stats.TotalCompletionTokens, &stats.TotalCost,
	)
	if err != nil {
		return Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT provider, COUNT(*) FROM interactions GROUP BY provider`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return Stats{}, err
		}
		stats.ByProvider[provider] = count
	}
	return stats, rows.Err()
}

// DeleteAll removes every interaction and stream chunk. Used by the admin
// delete-all endpoint.
func (s *Store) DeleteAll(ctx context.Context) error {
	return s.write(ctx, func(db *sql.DB) error {
		if _, err := db.Exec(`DELETE FROM stream_chunks`); err != nil {
			return err
		}
		_, err := db.Exec(`DELETE FROM interactions`)
		return err
	})
}

// DeleteInteraction removes one interaction and its chunks.
func (s *Store) DeleteInteraction(ctx context.Context, id string) error {
	return s.write(ctx, func(db *sql.DB) error {
		if _, err := db.Exec(`DELETE FROM stream_chunks WHERE interaction_id = ?`, id); err != nil {
			return err
		}
		res, err := db.Exec(`DELETE FROM interactions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt64(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
