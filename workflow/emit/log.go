package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogEmitter implements Emitter by writing structured output to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value pairs
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[node:started] instance=42 node=validate
//
// Example JSON output:
//
//	{"type":"node:started","workflowInstanceId":42,"nodeId":"validate","timestamp":"..."}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when
// nil). jsonMode selects JSONL output.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format. Write errors are
// swallowed: logging must never fail a workflow.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Type               string         `json:"type"`
		WorkflowInstanceID int64          `json:"workflowInstanceId,omitempty"`
		NodeInstanceID     int64          `json:"nodeInstanceId,omitempty"`
		NodeID             string         `json:"nodeId,omitempty"`
		Timestamp          time.Time      `json:"timestamp"`
		Payload            map[string]any `json:"payload,omitempty"`
	}{
		Type:               event.Type,
		WorkflowInstanceID: event.WorkflowInstanceID,
		NodeInstanceID:     event.NodeInstanceID,
		NodeID:             event.NodeID,
		Timestamp:          event.Timestamp,
		Payload:            event.Payload,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] instance=%d", event.Type, event.WorkflowInstanceID)
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}
	if len(event.Payload) > 0 {
		if payloadJSON, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(l.writer, " payload=%s", payloadJSON)
		} else {
			fmt.Fprintf(l.writer, " payload=%v", event.Payload)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
