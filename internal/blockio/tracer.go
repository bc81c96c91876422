// Package blockio wraps a block storage backend to time every I/O
// operation and emit Oracle-style WAIT records. Events are attributed
// to the statement registered for the calling process in the
// attribution table; statement id 0 marks an unattributed event
// (attribution miss).
package blockio

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/querytrace/querytrace/internal/attribution"
	"github.com/querytrace/querytrace/internal/sink"
)

// Op identifies a storage operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpExtend
	OpSync
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpExtend:
		return "extend"
	case OpSync:
		return "sync"
	default:
		return "unknown"
	}
}

// RelRef identifies a relation file the way the storage layer sees it.
type RelRef struct {
	Tablespace uint32
	Database   uint32
	Relation   uint32
	Fork       string // main, fsm, vm, init
}

func (r RelRef) String() string {
	return fmt.Sprintf("%d/%d/%d", r.Tablespace, r.Database, r.Relation)
}

// Store is the narrow storage interface the tracer wraps.
type Store interface {
	ReadBlock(rel RelRef, block uint32, buf []byte) error
	WriteBlock(rel RelRef, block uint32, buf []byte) error
	Extend(rel RelRef, block uint32, buf []byte) error
	Sync(rel RelRef) error
}

// Tracer wraps a Store, forwarding every call to the inner store and,
// while enabled, emitting a timed WAIT record per operation. The inner
// store's errors pass through untouched.
type Tracer struct {
	inner   Store
	table   *attribution.Table
	out     sink.Sink
	pid     int
	enabled atomic.Bool
}

// NewTracer wraps inner. Events are attributed via table using pid as
// the lookup key and written to out.
func NewTracer(inner Store, table *attribution.Table, out sink.Sink, pid int) *Tracer {
	if out == nil {
		out = sink.Discard{}
	}
	return &Tracer{inner: inner, table: table, out: out, pid: pid}
}

// Enable turns on event emission. Forwarding is unconditional.
func (t *Tracer) Enable()  { t.enabled.Store(true) }
func (t *Tracer) Disable() { t.enabled.Store(false) }

func (t *Tracer) ReadBlock(rel RelRef, block uint32, buf []byte) error {
	start := time.Now()
	err := t.inner.ReadBlock(rel, block, buf)
	t.record(OpRead, rel, block, time.Since(start))
	return err
}

func (t *Tracer) WriteBlock(rel RelRef, block uint32, buf []byte) error {
	start := time.Now()
	err := t.inner.WriteBlock(rel, block, buf)
	t.record(OpWrite, rel, block, time.Since(start))
	return err
}

func (t *Tracer) Extend(rel RelRef, block uint32, buf []byte) error {
	start := time.Now()
	err := t.inner.Extend(rel, block, buf)
	t.record(OpExtend, rel, block, time.Since(start))
	return err
}

func (t *Tracer) Sync(rel RelRef) error {
	start := time.Now()
	err := t.inner.Sync(rel)
	t.record(OpSync, rel, 0, time.Since(start))
	return err
}

func (t *Tracer) record(op Op, rel RelRef, block uint32, elapsed time.Duration) {
	if !t.enabled.Load() {
		return
	}

	// Attribution is best-effort: a miss records the event with id 0.
	var stmtID int64
	if t.table != nil {
		stmtID, _ = t.table.Lookup(t.pid)
	}

	t.out.Write(fmt.Sprintf("WAIT #%d: nam='db file %s' ela=%d us file#=%s block#=%d fork=%s",
		stmtID, op, elapsed.Microseconds(), rel, block, rel.Fork))
}
