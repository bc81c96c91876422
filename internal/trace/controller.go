// Package trace implements the session trace engine: a two-state
// controller gating a single in-flight statement context, with record
// emission modeled on Oracle's 10046 event trace. Everything here is
// strictly observational; no path may surface an error that aborts the
// traced statement.
package trace

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/querytrace/querytrace/internal/attribution"
	"github.com/querytrace/querytrace/internal/classify"
	"github.com/querytrace/querytrace/internal/config"
	"github.com/querytrace/querytrace/internal/osstat"
	"github.com/querytrace/querytrace/internal/plan"
	"github.com/querytrace/querytrace/internal/sink"
	"github.com/querytrace/querytrace/internal/store"
	"github.com/querytrace/querytrace/internal/usage"
)

// Trace levels. The level is orthogonal to the enabled/disabled state:
// it gates which optional sub-records a statement emits, never the
// state transitions themselves.
const (
	LevelOff   = 0
	LevelBasic = 1  // statement and timing records
	LevelBinds = 4  // + bind variable values
	LevelWaits = 8  // + tiered block I/O detail
	LevelPlan  = 12 // + full execution plan
)

// blockSize is the host engine's block size in bytes, used when
// cross-checking tier estimates against OS physical-read counters.
const blockSize = 8192

const (
	sectionRule = "====================================================================="
	minorRule   = "---------------------------------------------------------------------"
)

// SinkFactory opens the trace output when tracing is enabled. Returning
// an error degrades the session to discarded records; it never fails
// the enable operation.
type SinkFactory func() (sink.Sink, error)

// SummaryWriter persists one summary row per finalized statement.
type SummaryWriter interface {
	InsertStatement(s *store.StatementSummary) error
}

// Controller is the session trace state machine. All hook callbacks for
// one session arrive from a single process context in lifecycle order;
// the mutex exists for the enable/disable/set-level operations, which
// may be driven from outside that context.
type Controller struct {
	mu sync.Mutex

	enabled      bool
	level        int
	sequence     int64
	sessionStart time.Time
	sessionID    string
	statements   int64

	out       sink.Sink
	newSink   SinkFactory
	snapshots SnapshotSource
	filter    *StatementFilter
	table     *attribution.Table
	summaries SummaryWriter

	pid int
	ctx *queryContext

	traceWaits         bool
	traceBindVariables bool
	traceBufferStats   bool
	osCacheThresholdUS int
	filterExpr         string

	logger *slog.Logger
}

// NewController builds a disabled controller from cfg. The snapshot
// source is required; table and summaries are optional collaborators.
func NewController(cfg *config.Config, snapshots SnapshotSource, newSink SinkFactory, pid int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		level:              cfg.TraceLevel,
		sessionID:          ulid.Make().String(),
		newSink:            newSink,
		snapshots:          snapshots,
		pid:                pid,
		traceWaits:         cfg.TraceWaits,
		traceBindVariables: cfg.TraceBindVariables,
		traceBufferStats:   cfg.TraceBufferStats,
		osCacheThresholdUS: cfg.OsCacheThresholdUS,
		filterExpr:         cfg.StatementFilter,
		logger:             logger.With("component", "trace.Controller"),
	}
}

// SetAttributionTable wires the shared pid -> statement table so block
// I/O tracers in this process can attribute their events.
func (c *Controller) SetAttributionTable(t *attribution.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = t
}

// SetSummaryWriter wires the statement summary store.
func (c *Controller) SetSummaryWriter(w SummaryWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = w
}

// SessionID returns the session's ULID identifier.
func (c *Controller) SessionID() string { return c.sessionID }

// Enabled reports the current state.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Level returns the current trace level.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Sequence returns the statement sequence counter.
func (c *Controller) Sequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// Enable transitions Disabled -> Enabled, opens the sink, and writes
// the session header. Enabling an enabled session is a no-op: the sink
// and sequence counter are left untouched. The only error surfaced is
// an invalid statement filter expression.
func (c *Controller) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled {
		return nil
	}

	if c.filterExpr != "" {
		f, err := NewStatementFilter(c.filterExpr, c.logger)
		if err != nil {
			return fmt.Errorf("%w: statement_filter: %v", config.ErrInvalidParameter, err)
		}
		c.filter = f
	}

	out, err := c.openSink()
	if err != nil {
		// Sink trouble degrades to discarded records; the session is
		// still considered enabled so state stays observable.
		c.logger.Warn("trace sink unavailable, records will be discarded", "error", err)
		out = sink.Discard{}
	}
	c.out = out

	c.enabled = true
	c.sessionStart = time.Now()
	c.statements = 0
	c.writeHeader()

	c.logger.Info("session tracing enabled",
		"session_id", c.sessionID,
		"level", c.level,
	)
	return nil
}

func (c *Controller) openSink() (sink.Sink, error) {
	if c.newSink == nil {
		return sink.Discard{}, nil
	}
	return c.newSink()
}

// Disable transitions Enabled -> Disabled, writes the session footer,
// and closes the sink. An in-flight statement context is abandoned
// without being flushed. Disabling a disabled session is a no-op.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if c.ctx != nil {
		c.logger.Warn("abandoning in-flight statement context on disable",
			"statement_id", c.ctx.statementID,
			"fingerprint", c.ctx.fingerprint,
		)
		if c.table != nil {
			c.table.Unregister(c.pid)
		}
		c.ctx = nil
	}

	elapsed := time.Since(c.sessionStart)
	c.write("*** SESSION END at %s", time.Now().Format(time.RFC3339))
	c.write("*** Total session duration: %s seconds", secMicro(elapsed))
	c.write("*** Statements traced: %d", c.statements)
	c.write("*** Trace file closed")

	if err := c.out.Close(); err != nil {
		c.logger.Warn("trace sink close failed", "error", err)
	}
	c.out = nil
	c.enabled = false

	c.logger.Info("session tracing disabled",
		"session_id", c.sessionID,
		"statements", c.statements,
		"duration", elapsed,
	)
}

// SetLevel updates the trace level. Values outside [0,16] are rejected
// and the previous level stays in effect. With an open sink a
// level-change marker is appended.
func (c *Controller) SetLevel(level int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if level < config.MinTraceLevel || level > config.MaxTraceLevel {
		return fmt.Errorf("%w: trace_level must be between %d and %d, got %d",
			config.ErrInvalidParameter, config.MinTraceLevel, config.MaxTraceLevel, level)
	}

	old := c.level
	c.level = level
	if c.enabled && c.out != nil && old != level {
		c.write("*** TRACE LEVEL CHANGED: %d -> %d", old, level)
	}
	return nil
}

// PlanStart opens a statement context: assigns the next statement id,
// fingerprints the text, and captures the start snapshots. A statement
// filter that does not match leaves the session with no open context.
func (c *Controller) PlanStart(sql string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || c.level < LevelBasic {
		return
	}

	fp := Fingerprint(sql)
	if c.filter != nil && !c.filter.Match(sql, fp, c.sequence+1) {
		return
	}

	if c.ctx != nil {
		// Re-entrant execution: a statement started while another is
		// still open. There is no context stack; the outer statement's
		// trace is lost.
		c.logger.Warn("overwriting open statement context (re-entrant execution)",
			"open_statement_id", c.ctx.statementID,
			"open_fingerprint", c.ctx.fingerprint,
		)
	}

	c.sequence++
	ctx := &queryContext{
		statementID: c.sequence,
		fingerprint: fp,
		sql:         sql,
		parseStart:  time.Now(),
	}
	ctx.resStart = c.snapshots.ReadResourceUsage()
	ctx.osStart, ctx.osOK = c.snapshots.ReadOsUsage(c.pid)
	c.ctx = ctx

	if c.table != nil {
		// Best-effort: a full table means unattributed I/O events, not
		// a failed statement.
		c.table.Register(c.pid, ctx.statementID)
	}
}

// PlanDone closes the planning phase and emits the PARSE record block.
func (c *Controller) PlanDone() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return
	}
	c.ctx.parseEnd = time.Now()

	c.write(sectionRule)
	c.write("PARSE #%d", c.ctx.statementID)
	c.write("SQL: %s", c.ctx.sql)
	c.write("SQL_ID: %s", c.ctx.fingerprint)
	c.write("PARSE TIME: %s", secMicro(c.ctx.parseEnd.Sub(c.ctx.parseStart)))
	c.write(minorRule)
}

// BindParams records the statement parameters. Values are emitted only
// at LevelBinds and above; null parameters are explicit, never omitted.
// A failed rendering emits an opaque placeholder.
func (c *Controller) BindParams(params []BindParam, renderer ValueRenderer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return
	}
	c.ctx.bindTime = time.Now()

	if c.level < LevelBinds || !c.traceBindVariables || len(params) == 0 {
		return
	}

	c.write("BINDS #%d", c.ctx.statementID)
	for i, p := range params {
		if p.Null {
			c.write("  Bind#%d type=%d value=NULL", i+1, p.TypeOID)
			continue
		}
		text, err := renderText(renderer, p)
		if err != nil {
			c.write("  Bind#%d type=%d value=\"<unrenderable>\"", i+1, p.TypeOID)
			continue
		}
		c.write("  Bind#%d type=%d value=%q", i+1, p.TypeOID, text)
	}
}

func renderText(r ValueRenderer, p BindParam) (string, error) {
	if r == nil {
		return fmt.Sprintf("%v", p.Value), nil
	}
	return r.ToText(p.TypeOID, p.Value)
}

// ExecStart opens the execute window and emits the EXEC record.
func (c *Controller) ExecStart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return
	}
	c.ctx.execStart = time.Now()
	if c.ctx.osOK {
		c.ctx.osExecStart, _ = c.snapshots.ReadOsUsage(c.pid)
	}
	c.write("EXEC #%d", c.ctx.statementID)
}

// RecordIOSample appends one block-access latency observation to the
// open context. Samples past the buffer bound are counted and dropped.
func (c *Controller) RecordIOSample(s classify.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil || c.level < LevelWaits {
		return
	}
	c.ctx.addSample(s)
}

// ExecDone closes the execute window and emits the EXEC TIME record
// with the processed row count, plus OS-level CPU and I/O deltas scoped
// to the execute window when the OS source is readable.
func (c *Controller) ExecDone(rows int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return
	}
	c.ctx.execEnd = time.Now()
	c.ctx.rowsProcessed = rows
	c.write("EXEC TIME: ela=%s rows=%d", secMicro(c.ctx.execEnd.Sub(c.ctx.execStart)), rows)

	if c.ctx.osOK {
		if osEnd, ok := c.snapshots.ReadOsUsage(c.pid); ok {
			d := osstat.Diff(c.ctx.osExecStart, osEnd)
			c.write("  OS CPU: user=%.3fs sys=%.3fs total=%.3fs",
				d.CPU.UserSec, d.CPU.SystemSec, d.CPU.TotalSec)
			if d.IO.ReadBytes > 0 || d.IO.WriteBytes > 0 {
				c.write("  OS I/O: read=%d bytes write=%d bytes",
					d.IO.ReadBytes, d.IO.WriteBytes)
			}
		}
	}
}

// StatementEnd finalizes the open context: diffs the snapshots, emits
// the buffer/WAL/CPU/IO summary records, walks the plan at LevelPlan,
// persists the summary row, and releases the context slot.
func (c *Controller) StatementEnd(root plan.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := c.ctx
	if ctx == nil {
		return
	}

	resEnd := c.snapshots.ReadResourceUsage()
	diff := usage.Diff(ctx.resStart, resEnd)

	var osDiff osstat.Usage
	osOK := false
	if ctx.osOK {
		if osEnd, ok := c.snapshots.ReadOsUsage(c.pid); ok {
			osDiff = osstat.Diff(ctx.osStart, osEnd)
			osOK = true
		}
	}

	if c.traceBufferStats {
		c.writeBufferStats(diff)
	}
	if osOK {
		c.writeOsStats(osDiff, time.Since(ctx.parseStart))
	}

	var tiers classify.Result
	if c.level >= LevelWaits && c.traceWaits {
		tiers = c.writeBlockIOSummary(ctx, diff, osDiff, osOK)
	}

	if c.level >= LevelPlan && root != nil {
		c.write(minorRule)
		c.write("EXECUTION PLAN #%d:", ctx.statementID)
		w := &plan.Walker{
			Emit:        func(line string) { c.write("%s", line) },
			ThresholdUS: float64(c.osCacheThresholdUS),
			IODetail:    c.level >= LevelWaits,
		}
		w.Walk(root)
	}

	c.write(sectionRule)
	c.write("")

	if c.summaries != nil {
		c.persistSummary(ctx, diff, osDiff, osOK, tiers)
	}

	if c.table != nil {
		c.table.Unregister(c.pid)
	}
	c.statements++
	c.ctx = nil
}

func (c *Controller) writeBufferStats(d usage.ResourceUsage) {
	b := d.Buffers
	c.write(minorRule)
	c.write("BUFFER STATS: cr=%d pr=%d pw=%d dirtied=%d",
		b.SharedHit, b.SharedRead, b.SharedWritten, b.SharedDirtied)

	if anomalies := usage.NegativeFields(d); len(anomalies) > 0 {
		// Counter reset between snapshots: report the raw values with a
		// marker instead of clamping.
		c.write("*** COUNTER ANOMALY: negative delta in %v (counter reset?)", anomalies)
		c.logger.Warn("negative resource counter delta", "fields", anomalies)
	}

	if b.HasLocalActivity() {
		c.write("  local blocks:  hit=%d read=%d dirtied=%d written=%d",
			b.LocalHit, b.LocalRead, b.LocalDirtied, b.LocalWritten)
	}
	if b.HasTempActivity() {
		c.write("  temp blocks:   read=%d written=%d", b.TempRead, b.TempWritten)
	}
	if d.Wal.HasActivity() {
		c.write("WAL: records=%d fpi=%d bytes=%d", d.Wal.Records, d.Wal.FPI, d.Wal.Bytes)
	}
}

func (c *Controller) writeOsStats(d osstat.Usage, window time.Duration) {
	if suspects := osstat.SuspectFields(d, window); len(suspects) > 0 {
		// Counter reset between snapshots wraps the unsigned diff; flag
		// it the same way the engine counters are flagged.
		c.write("*** COUNTER ANOMALY: implausible delta in %v (counter reset?)", suspects)
		c.logger.Warn("implausible os counter delta", "fields", suspects)
	}

	cpu := fmt.Sprintf("CPU: user=%.3f sec system=%.3f sec total=%.3f sec",
		d.CPU.UserSec, d.CPU.SystemSec, d.CPU.TotalSec)
	if d.CPU.TotalSec < 0.01 {
		cpu += " (Note: /proc granularity is ~10ms, very fast queries may show 0.000)"
	}
	c.write("%s", cpu)

	if d.IO.RChar != 0 || d.IO.WChar != 0 || d.IO.SyscallsR != 0 || d.IO.SyscallsW != 0 {
		c.write("OS IO: read_bytes=%d write_bytes=%d syscalls_read=%d syscalls_write=%d",
			d.IO.ReadBytes, d.IO.WriteBytes, d.IO.SyscallsR, d.IO.SyscallsW)
	}
	if d.Mem.VMRssKB != 0 {
		c.write("MEMORY: rss=%d kB peak=%d kB", d.Mem.VMRssKB, d.Mem.VMPeakKB)
	}
}

func (c *Controller) writeBlockIOSummary(ctx *queryContext, d usage.ResourceUsage, osDiff osstat.Usage, osOK bool) classify.Result {
	threshold := float64(c.osCacheThresholdUS)

	var r classify.Result
	if len(ctx.ioSamples) > 0 {
		r = classify.Classify(ctx.ioSamples, threshold)
	} else if d.Buffers.SharedRead > 0 && d.Buffers.BlkReadTimeUS > 0 {
		// No per-access samples; estimation mode over the aggregate
		// read count and total I/O time.
		r = classify.Estimate(d.Buffers.SharedRead, d.Buffers.BlkReadTimeUS, threshold)
	}
	r.EngineHits += d.Buffers.SharedHit

	if r.TotalBlocks() == 0 {
		return r
	}

	c.write(minorRule)
	c.write("BLOCK I/O SUMMARY:")
	c.write("Total blocks accessed: %d", r.TotalBlocks())
	c.write("  Buffer hits (cr): %d blocks - no I/O", r.EngineHits)
	if r.OsCacheHits > 0 {
		line := fmt.Sprintf("  OS cache hits: %d blocks", r.OsCacheHits)
		if avg, ok := r.AvgOsCacheUS(); ok {
			line += fmt.Sprintf(" (avg %.1f us)", avg)
		}
		c.write("%s", line)
	}
	if r.DiskReads > 0 {
		c.write("  Physical reads (pr): %d blocks", r.DiskReads)
		if avg, ok := r.AvgDiskUS(); ok {
			c.write("  Average I/O time: %.1f microseconds/block", avg)
		}
		c.write("  Total I/O time: %.2f ms", r.DiskTimeUS/1000)
	}
	if r.Estimated {
		c.write("  (tier split estimated from aggregate timing)")
	}
	if ctx.ioDropped > 0 {
		c.write("  (latency sample buffer full, %d accesses unsampled)", ctx.ioDropped)
	}

	if osOK {
		c.write("Verification from /proc/[pid]/io:")
		c.write("  Physical reads: %d bytes (%d blocks)",
			osDiff.IO.ReadBytes, int64(osDiff.IO.ReadBytes)/blockSize)
		if note := classify.VerifyAgainstOS(r, blockSize, osDiff.IO.ReadBytes); note != "" {
			c.write("  Note: %s", note)
		}
	}
	return r
}

func (c *Controller) persistSummary(ctx *queryContext, d usage.ResourceUsage, osDiff osstat.Usage, osOK bool, tiers classify.Result) {
	s := &store.StatementSummary{
		SessionID:     c.sessionID,
		StatementID:   ctx.statementID,
		Fingerprint:   ctx.fingerprint,
		SQL:           ctx.sql,
		StartedAt:     ctx.parseStart,
		ParseTimeUS:   ctx.parseEnd.Sub(ctx.parseStart).Microseconds(),
		ExecTimeUS:    ctx.execEnd.Sub(ctx.execStart).Microseconds(),
		Rows:          ctx.rowsProcessed,
		SharedHit:     d.Buffers.SharedHit,
		SharedRead:    d.Buffers.SharedRead,
		SharedDirtied: d.Buffers.SharedDirtied,
		SharedWritten: d.Buffers.SharedWritten,
		WalRecords:    d.Wal.Records,
		WalBytes:      d.Wal.Bytes,
		EngineHits:    tiers.EngineHits,
		OsCacheHits:   tiers.OsCacheHits,
		DiskReads:     tiers.DiskReads,
	}
	if osOK {
		s.CPUTotalSec = osDiff.CPU.TotalSec
	}
	if err := c.summaries.InsertStatement(s); err != nil {
		// Persistence is ancillary; the trace file already has the data.
		c.logger.Warn("statement summary insert failed",
			"statement_id", ctx.statementID,
			"error", err,
		)
	}
}

func (c *Controller) writeHeader() {
	flag := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	c.write("***********************************************************************")
	c.write("*** Query Session Trace (10046-style)")
	c.write("*** Session: %s", c.sessionID)
	c.write("*** Session Start: %s", c.sessionStart.Format(time.RFC3339))
	c.write("*** Process ID: %d", c.pid)
	c.write("*** Trace Level: %d", c.level)
	c.write("*** Options: waits=%s binds=%s buffers=%s",
		flag(c.traceWaits), flag(c.traceBindVariables), flag(c.traceBufferStats))
	c.write("*** OS cache threshold: %d microseconds", c.osCacheThresholdUS)
	c.write("***********************************************************************")
	c.write("")
}

// write formats one record line into the sink. With no open sink the
// record is silently discarded; emission never errors.
func (c *Controller) write(format string, args ...any) {
	if c.out == nil {
		return
	}
	c.out.Write(fmt.Sprintf(format, args...))
}

// secMicro renders a duration as <seconds>.<microseconds>.
func secMicro(d time.Duration) string {
	us := d.Microseconds()
	if us < 0 {
		us = 0
	}
	return fmt.Sprintf("%d.%06d", us/1e6, us%1e6)
}
