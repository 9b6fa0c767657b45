// Package events appends a durable, append-only JSONL audit log of the
// events this tool's mutating commands (apply, rollback, overlay edits)
// produce, so an operator can reconstruct history without a database.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/liqiongyu/agentpack/internal/paths"
	"github.com/liqiongyu/agentpack/internal/schema"
	"github.com/liqiongyu/agentpack/internal/usererror"
)

func init() {
	schema.Register(schema.LabelEventRecord, Record{})
}

const (
	LogFilename   = "events.jsonl"
	schemaVersion = 1
)

// Record is one JSONL line: a schema-versioned envelope wrapping an
// arbitrary event payload with the machine and time it was recorded.
type Record struct {
	SchemaVersion int             `json:"schema_version"`
	RecordedAt    string          `json:"recorded_at"`
	MachineID     string          `json:"machine_id"`
	Event         json.RawMessage `json:"event"`
}

// NewRecord wraps an arbitrary JSON-marshalable event payload with the
// current timestamp and machine id.
func NewRecord(machineID string, event any) (Record, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return Record{}, fmt.Errorf("marshal event: %w", err)
	}
	return Record{
		SchemaVersion: schemaVersion,
		RecordedAt:    time.Now().UTC().Format(time.RFC3339),
		MachineID:     machineID,
		Event:         raw,
	}, nil
}

// Append writes rec as one line to home's event log, creating the logs
// directory and file as needed.
func Append(home paths.Home, rec Record) (string, error) {
	if err := os.MkdirAll(home.LogsDir, 0o755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(home.LogsDir, LogFilename)

	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	return path, nil
}

// ReadStdinEvent reads one JSON value from r (typically os.Stdin), erroring
// if the input is empty or not valid JSON.
func ReadStdinEvent(r io.Reader) (json.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	trimmed := trimSpace(data)
	if len(trimmed) == 0 {
		return nil, usererror.New(usererror.CodeConfigInvalid, "no input on stdin (expected a JSON event)")
	}
	if !json.Valid(trimmed) {
		return nil, usererror.New(usererror.CodeConfigInvalid, "stdin did not contain valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// ReadStats counts the lines ReadAll skipped while reading the event log,
// broken down by reason, so a caller (e.g. the score command) can surface
// them as a warning without treating the read as a failure.
type ReadStats struct {
	SkippedTotal                    int `json:"skipped_total"`
	SkippedMalformedJSON            int `json:"skipped_malformed_json"`
	SkippedUnsupportedSchemaVersion int `json:"skipped_unsupported_schema_version"`
	SkippedIOErrors                 int `json:"skipped_io_errors"`
}

// ReadAll reads every recorded event from home's event log, in file order.
// A malformed line, a line with an unsupported schema_version, or a
// mid-file read error is skipped and counted rather than failing the
// whole read: the event log is a best-effort audit trail, not a source of
// truth the rest of the tool depends on, so one bad line should not hide
// every other line recorded before or after it.
func ReadAll(home paths.Home) ([]Record, ReadStats, []string, error) {
	path := filepath.Join(home.LogsDir, LogFilename)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ReadStats{}, nil, nil
	}
	if err != nil {
		return nil, ReadStats{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	var stats ReadStats
	var warnings []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if len(trimSpace([]byte(text))) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			stats.SkippedTotal++
			stats.SkippedMalformedJSON++
			warnings = append(warnings, fmt.Sprintf("%s line %d: malformed JSON: %s", path, line, err.Error()))
			continue
		}
		if rec.SchemaVersion != schemaVersion {
			stats.SkippedTotal++
			stats.SkippedUnsupportedSchemaVersion++
			warnings = append(warnings, fmt.Sprintf("%s line %d: unsupported events schema_version: %d", path, line, rec.SchemaVersion))
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		stats.SkippedTotal++
		stats.SkippedIOErrors++
		warnings = append(warnings, fmt.Sprintf("%s: read error after line %d: %s", path, line, err.Error()))
	}
	return out, stats, warnings, nil
}
