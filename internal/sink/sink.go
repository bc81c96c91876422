// Package sink provides append-only, best-effort destinations for trace
// records. A closed or unavailable sink silently discards writes: trace
// emission must never surface an error into the traced statement.
package sink

// Sink receives formatted trace record lines (without trailing newline).
type Sink interface {
	Write(record string)
	Close() error
}

// Discard is a Sink that drops everything. It stands in wherever no
// sink is open so record emission stays a no-op rather than an error.
type Discard struct{}

func (Discard) Write(string) {}

func (Discard) Close() error { return nil }

// Multi fans each record out to every underlying sink.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out sink. Nil entries are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Write(record string) {
	for _, s := range m.sinks {
		s.Write(record)
	}
}

func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
