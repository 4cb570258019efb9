// Procqueue - Multi-Process Queue Worker Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/procqueue

package logging

import (
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/procqueue/internal/logfile"
)

// FileLevelWriter renders zerolog events into the fixed process-log line
// format and appends them through a logfile.Writer.
//
// The on-disk format only distinguishes INFO and ERROR: everything up to and
// including warn maps to INFO, error and above map to ERROR. Structured
// fields are flattened to key=value pairs after the message so nothing an
// event carries is lost in the file.
type FileLevelWriter struct {
	w *logfile.Writer
}

// NewFileLevelWriter wraps w as a zerolog sink.
func NewFileLevelWriter(w *logfile.Writer) *FileLevelWriter {
	return &FileLevelWriter{w: w}
}

// Write satisfies io.Writer for events without level information.
func (f *FileLevelWriter) Write(p []byte) (int, error) {
	f.w.Append("INFO", renderText(p))
	return len(p), nil
}

// WriteLevel satisfies zerolog.LevelWriter.
func (f *FileLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	name := "INFO"
	if level >= zerolog.ErrorLevel && level < zerolog.NoLevel {
		name = "ERROR"
	}
	f.w.Append(name, renderText(p))
	return len(p), nil
}

// renderText extracts the message and remaining fields from a JSON-encoded
// zerolog event. A payload that fails to decode is passed through verbatim;
// the log must accept the record either way.
func renderText(p []byte) string {
	var event map[string]interface{}
	if err := json.Unmarshal(p, &event); err != nil {
		return strings.TrimRight(string(p), "\n")
	}

	var b strings.Builder
	if msg, ok := event[zerolog.MessageFieldName].(string); ok {
		b.WriteString(msg)
	}

	keys := make([]string, 0, len(event))
	for k := range event {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		switch v := event[k].(type) {
		case string:
			b.WriteString(v)
		default:
			raw, err := json.Marshal(v)
			if err == nil {
				b.Write(raw)
			}
		}
	}
	return b.String()
}
