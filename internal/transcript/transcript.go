// Package transcript records session channel events in JSON-Lines format.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Header is the first line of a transcript file.
type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// Event is a single recorded event.
// Format: [time_offset_seconds, event_type, data]
type Event struct {
	TimeOffset float64
	EventType  string
	Data       json.RawMessage
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.EventType); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	e.Data = arr[2]

	return nil
}

// Recorder writes session events to a JSON-Lines transcript.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewRecorder creates a Recorder writing to the given file path and writes
// the header line.
func NewRecorder(filePath, sessionID string) (*Recorder, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	r := &Recorder{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}

	if err := r.writeHeader(sessionID); err != nil {
		file.Close()
		return nil, err
	}

	return r, nil
}

// NewRecorderWriter creates a Recorder writing to an arbitrary writer.
// The caller retains ownership of the writer.
func NewRecorderWriter(w io.Writer, sessionID string) (*Recorder, error) {
	r := &Recorder{
		writer:    w,
		startTime: time.Now(),
	}
	if err := r.writeHeader(sessionID); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(sessionID string) error {
	header := Header{
		Version:   1,
		SessionID: sessionID,
		Timestamp: r.startTime.Unix(),
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript header: %w", err)
	}
	if _, err := fmt.Fprintf(r.writer, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write transcript header: %w", err)
	}
	return nil
}

// Record appends one event line. Safe for concurrent use.
func (r *Recorder) Record(eventType string, data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event := Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		EventType:  eventType,
		Data:       data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript event: %w", err)
	}
	if _, err := fmt.Fprintf(r.writer, "%s\n", line); err != nil {
		return fmt.Errorf("failed to write transcript event: %w", err)
	}
	return nil
}

// Close closes the transcript file if the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
