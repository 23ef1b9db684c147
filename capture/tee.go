package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/interceptor-proxy/interceptor/model"
)

// readChunkSize bounds a single upstream read, mirroring the teacher's
// line-at-a-time flush discipline but sized for binary-safe raw copying
// rather than bufio.Scanner's line framing.
const readChunkSize = 64 * 1024

// ChunkSink receives StreamChunk rows in strict receive order as a stream is
// teed. Implementations (the store) must not block the flush path for long;
// Tee hands off chunks over a buffered channel specifically to decouple them.
type ChunkSink interface {
	AppendChunk(ctx context.Context, chunk model.StreamChunk) error
}

// TeeResult summarizes one completed tee pass.
type TeeResult struct {
	Result      StreamResult
	ChunkCount  int
	TTFBMs      *int64
	ClientError error // set if writing to the client failed (disconnect)
	UpstreamErr error // set if reading from upstream failed; otherwise set to the sink's error if storing a chunk failed and the client write did not
}

// chunkQueueDepth bounds how far the storage goroutine may lag behind the
// flush loop before AppendChunk backpressure is applied.
const chunkQueueDepth = 256

// Tee reads raw bytes from upstream and writes and flushes each read to the
// client immediately. After each flush it feeds the same bytes to the
// provider parser on the calling goroutine, so parsing is not overlapped
// with forwarding: the next upstream read waits until FeedChunk returns.
// Chunks earmarked for the sink are handed to a buffered channel drained by
// a separate goroutine, so storage only slows the flush path once that
// channel is full.
//
// parser may be nil for passthrough interactions — in that case bytes are
// still flushed to the client and, when sink is non-nil, recorded as chunks
// with an empty event type, but nothing is parsed.
func Tee(ctx context.Context, w http.ResponseWriter, upstream io.Reader, interactionID string, parser Parser, sink ChunkSink) TeeResult {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return TeeResult{ClientError: errors.New("streaming not supported by response writer")}
	}

	var state StreamState
	if parser != nil {
		state = parser.BeginStream()
	}

	type queuedChunk struct {
		chunk model.StreamChunk
		raw   []byte
	}
	queue := make(chan queuedChunk, chunkQueueDepth)
	done := make(chan error, 1)

	go func() {
		var storeErr error
		for qc := range queue {
			if storeErr != nil {
				continue // drain remaining sends so the producer never blocks forever
			}
			if err := sink.AppendChunk(ctx, qc.chunk); err != nil {
				storeErr = err
			}
		}
		done <- storeErr
	}()

	var (
		ttfb      *int64
		start     = time.Now()
		seq       int
		upstreamErr error
		clientErr   error
	)

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if ttfb == nil {
				ms := time.Since(start).Milliseconds()
				ttfb = &ms
			}

			raw := make([]byte, n)
			copy(raw, buf[:n])

			if _, werr := w.Write(raw); werr != nil {
				clientErr = werr
				break
			}
			flusher.Flush()

			if sink != nil {
				var events []StreamEvent
				if parser != nil {
					events = parser.FeedChunk(state, raw)
				}
				evtType := ""
				var decoded []byte
				if len(events) > 0 {
					last := events[len(events)-1]
					evtType = last.EventType
					decoded = last.Decoded
				}
				queue <- queuedChunk{
					chunk: model.StreamChunk{
						ID:            uuid.New().String(),
						InteractionID: interactionID,
						Seq:           seq,
						ReceivedAt:    time.Now(),
						Raw:           raw,
						Decoded:       decoded,
						EventType:     evtType,
					},
				}
				seq++
			} else if parser != nil {
				parser.FeedChunk(state, raw)
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				upstreamErr = readErr
			}
			break
		}
	}

	close(queue)
	storeErr := <-done
	if storeErr != nil && upstreamErr == nil && clientErr == nil {
		upstreamErr = storeErr
	}

	var result StreamResult
	if parser != nil {
		result = parser.FinalizeStream(state)
	}

	return TeeResult{
		Result:      result,
		ChunkCount:  seq,
		TTFBMs:      ttfb,
		ClientError: clientErr,
		UpstreamErr: upstreamErr,
	}
}

// DrainBody fully reads and returns a non-streaming response body, applying
// no transformation — used on the AWAITING_BODY path before parsing.
func DrainBody(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, r)
	return buf.Bytes(), err
}
