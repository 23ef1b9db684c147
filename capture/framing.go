package capture

import "bytes"

// lineBuffer incrementally splits a byte stream into newline-terminated
// lines, retaining any trailing partial line across Feed calls. All three
// wire formats (OpenAI SSE, Anthropic SSE, Ollama NDJSON) are line-framed,
// so this is shared by every parser's streaming path.
type lineBuffer struct {
	pending []byte
}

// Feed appends data to the buffer and returns every complete line it can
// now extract, with the trailing "\n" (and any "\r") stripped. Bytes after
// the last newline are kept for the next call.
func (b *lineBuffer) Feed(data []byte) []string {
	b.pending = append(b.pending, data...)

	var lines []string
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(b.pending[:idx], []byte("\r"))
		lines = append(lines, string(line))
		b.pending = b.pending[idx+1:]
	}
	return lines
}

// Pending returns any residual bytes that do not yet form a complete line.
func (b *lineBuffer) Pending() string {
	return string(b.pending)
}
