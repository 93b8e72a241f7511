// Package emit provides the in-process event bus and the pluggable
// observability sinks (log, buffered history, OpenTelemetry) that
// subscribe to it.
package emit

// Emitter receives lifecycle events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down the engine's advancement loop
//   - Thread-safe: called concurrently from many workers
//   - Resilient: a failing sink must not crash the workflow
//
// Emit must not panic; errors are handled internally.
type Emitter interface {
	Emit(event Event)
}

// multiEmitter fans one event out to several sinks.
type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

// Multi combines several emitters into one. Nil entries are skipped.
func Multi(emitters ...Emitter) Emitter {
	var out multiEmitter
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
