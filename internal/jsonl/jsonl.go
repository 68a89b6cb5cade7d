// Package jsonl implements streaming reads and writes of the JSON-Lines
// batch file formats. Input files are validated and counted in a single
// pass without loading the whole file into memory.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mlbatch/batchd/internal/apperr"
	"github.com/mlbatch/batchd/internal/models"
)

// maxLineBytes bounds a single request line. Prompts are large but a line
// bigger than this is almost certainly not a request.
const maxLineBytes = 10 * 1024 * 1024

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}

// DecodeRequestLine parses and validates one input line.
func DecodeRequestLine(data []byte) (*models.BatchRequestLine, error) {
	var line models.BatchRequestLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if line.CustomID == "" {
		return nil, fmt.Errorf("missing custom_id")
	}
	if line.Method != "" && line.Method != "POST" {
		return nil, fmt.Errorf("method must be POST, got %q", line.Method)
	}
	if line.URL != "" && line.URL != "/v1/chat/completions" {
		return nil, fmt.Errorf("unsupported url %q", line.URL)
	}
	if len(line.Body.Messages) == 0 {
		return nil, fmt.Errorf("body.messages is empty")
	}
	for i, m := range line.Body.Messages {
		if m.Role == "" {
			return nil, fmt.Errorf("message %d has no role", i)
		}
	}
	return &line, nil
}

// ValidateAndCount streams an input file once, checking every line and the
// uniqueness of custom_ids. Returns the line count.
func ValidateAndCount(r io.Reader, maxLines int) (int, error) {
	sc := newScanner(r)
	seen := make(map[string]struct{})
	n := 0
	lineNo := 0
	blankAt := 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			// Only a trailing newline may produce a blank scan.
			blankAt = lineNo
			continue
		}
		if blankAt > 0 {
			return 0, apperr.Newf(apperr.CodeMalformedInputFile, "blank line at %d", blankAt)
		}
		line, err := DecodeRequestLine(raw)
		if err != nil {
			return 0, apperr.Newf(apperr.CodeMalformedInputFile, "line %d: %v", lineNo, err)
		}
		if _, dup := seen[line.CustomID]; dup {
			return 0, apperr.Newf(apperr.CodeMalformedInputFile, "line %d: duplicate custom_id %q", lineNo, line.CustomID)
		}
		seen[line.CustomID] = struct{}{}
		n++
		if maxLines > 0 && n > maxLines {
			return 0, apperr.Newf(apperr.CodeRequestCountExceeded, "input exceeds %d requests", maxLines)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, apperr.Wrap(apperr.CodeMalformedInputFile, "failed to read input", err)
	}
	if n == 0 {
		return 0, apperr.New(apperr.CodeMalformedInputFile, "input file has no requests")
	}
	return n, nil
}

// Line is one parsed input line; Err is set when the line did not decode,
// so the caller can emit a per-request error without losing its position.
type Line struct {
	Index int
	Req   *models.BatchRequestLine
	Err   error
}

// Reader walks an input file sequentially, tracking the request index.
type Reader struct {
	sc    *bufio.Scanner
	index int
}

// NewReader wraps an input file stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{sc: newScanner(r)}
}

// Skip advances past n lines without parsing them.
func (r *Reader) Skip(n int) error {
	for i := 0; i < n; i++ {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return err
			}
			return io.ErrUnexpectedEOF
		}
		r.index++
	}
	return nil
}

// ReadWindow reads up to n lines. A short window means the file ended.
func (r *Reader) ReadWindow(n int) ([]Line, error) {
	lines := make([]Line, 0, n)
	for len(lines) < n {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return nil, err
			}
			break
		}
		raw := bytes.TrimSpace(r.sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		req, err := DecodeRequestLine(raw)
		lines = append(lines, Line{Index: r.index, Req: req, Err: err})
		r.index++
	}
	return lines, nil
}

// EncodeResults renders result lines as JSONL bytes, one object per line,
// newline terminated.
func EncodeResults(lines []models.BatchResultLine) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range lines {
		if err := enc.Encode(&lines[i]); err != nil {
			return nil, fmt.Errorf("failed to encode result line: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// TailCounts reads result lines from index from onward and counts how many
// carry an error. Used when reconciling a staging file that ran ahead of the
// committed checkpoint.
func TailCounts(r io.Reader, from int) (completed, failed int, err error) {
	sc := newScanner(r)
	index := 0
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if index < from {
			index++
			continue
		}
		index++
		var line models.BatchResultLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return 0, 0, fmt.Errorf("result line %d is not valid JSON: %w", index, err)
		}
		if line.Error != nil {
			failed++
		} else {
			completed++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return completed, failed, nil
}

// CountLines counts newline-terminated lines, ignoring a trailing blank.
func CountLines(r io.Reader) (int, error) {
	sc := newScanner(r)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		n++
	}
	return n, sc.Err()
}
