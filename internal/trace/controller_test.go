package trace

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/querytrace/querytrace/internal/attribution"
	"github.com/querytrace/querytrace/internal/classify"
	"github.com/querytrace/querytrace/internal/config"
	"github.com/querytrace/querytrace/internal/osstat"
	"github.com/querytrace/querytrace/internal/plan"
	"github.com/querytrace/querytrace/internal/sink"
	"github.com/querytrace/querytrace/internal/usage"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) Write(record string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, record)
}
func (c *captureSink) Close() error { return nil }

func (c *captureSink) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

// scriptedSource returns queued resource snapshots in order, repeating
// the last one when the script runs out. OS counters are unavailable so
// output stays deterministic.
type scriptedSource struct {
	snaps []usage.ResourceUsage
	i     int
}

func (s *scriptedSource) ReadResourceUsage() usage.ResourceUsage {
	if s.i < len(s.snaps) {
		u := s.snaps[s.i]
		s.i++
		return u
	}
	if len(s.snaps) == 0 {
		return usage.ResourceUsage{}
	}
	return s.snaps[len(s.snaps)-1]
}

func (s *scriptedSource) ReadOsUsage(pid int) (osstat.Usage, bool) {
	return osstat.Usage{}, false
}

func newTestController(t *testing.T, cfg *config.Config, src SnapshotSource) (*Controller, *captureSink) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.TraceLevel = LevelPlan
	}
	if src == nil {
		src = &scriptedSource{}
	}
	out := &captureSink{}
	c := NewController(cfg, src, func() (sink.Sink, error) { return out, nil }, 4242, nil)
	return c, out
}

func TestEnable_Idempotent(t *testing.T) {
	c, out := newTestController(t, nil, nil)

	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	c.PlanStart("SELECT 1")
	c.PlanDone()
	seq := c.Sequence()
	written := len(out.lines)

	if err := c.Enable(); err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if c.Sequence() != seq {
		t.Errorf("second Enable changed sequence: %d -> %d", seq, c.Sequence())
	}
	if len(out.lines) != written {
		t.Errorf("second Enable wrote %d extra records", len(out.lines)-written)
	}
	if !c.Enabled() {
		t.Error("controller should remain enabled")
	}
}

func TestEnable_WritesHeader(t *testing.T) {
	c, out := newTestController(t, nil, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	text := out.text()
	for _, want := range []string{
		"Query Session Trace",
		"*** Process ID: 4242",
		fmt.Sprintf("*** Trace Level: %d", LevelPlan),
		"*** Options: waits=on binds=on buffers=on",
		"*** OS cache threshold: 500 microseconds",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("header missing %q", want)
		}
	}
}

func TestEnable_SinkFailureDegradesToDiscard(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TraceLevel = LevelBasic
	c := NewController(cfg, &scriptedSource{}, func() (sink.Sink, error) {
		return nil, errors.New("disk full")
	}, 1, nil)

	if err := c.Enable(); err != nil {
		t.Fatalf("Enable must not fail on sink trouble: %v", err)
	}
	if !c.Enabled() {
		t.Error("session should be enabled despite sink failure")
	}
	// Statement lifecycle must run without panicking into the nil sink.
	c.PlanStart("SELECT 1")
	c.PlanDone()
	c.ExecStart()
	c.ExecDone(1)
	c.StatementEnd(nil)
}

func TestEnable_InvalidFilterFailsFast(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TraceLevel = LevelBasic
	cfg.StatementFilter = "sql +" // does not parse
	c, _ := newTestController(t, cfg, nil)

	err := c.Enable()
	if !errors.Is(err, config.ErrInvalidParameter) {
		t.Errorf("Enable with bad filter = %v, want ErrInvalidParameter", err)
	}
	if c.Enabled() {
		t.Error("failed Enable must leave session disabled")
	}
}

func TestSetLevel_RejectsOutOfRange(t *testing.T) {
	c, out := newTestController(t, nil, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	for _, bad := range []int{-1, 17, 100} {
		if err := c.SetLevel(bad); !errors.Is(err, config.ErrInvalidParameter) {
			t.Errorf("SetLevel(%d) = %v, want ErrInvalidParameter", bad, err)
		}
	}
	if c.Level() != LevelPlan {
		t.Errorf("rejected SetLevel changed level to %d", c.Level())
	}

	if err := c.SetLevel(LevelWaits); err != nil {
		t.Fatalf("SetLevel(8): %v", err)
	}
	if !strings.Contains(out.text(), "*** TRACE LEVEL CHANGED: 12 -> 8") {
		t.Error("missing level-change marker")
	}
}

func TestStatementLifecycle_RecordOrderAndFormat(t *testing.T) {
	src := &scriptedSource{snaps: []usage.ResourceUsage{
		{Buffers: usage.BufferUsage{SharedHit: 100, SharedRead: 10}},
		{
			Buffers: usage.BufferUsage{SharedHit: 240, SharedRead: 35, SharedDirtied: 4, SharedWritten: 2},
			Wal:     usage.WalUsage{Records: 6, FPI: 1, Bytes: 2048},
		},
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("UPDATE accounts SET balance = balance - $1 WHERE id = $2")
	c.PlanDone()
	c.BindParams([]BindParam{
		{TypeOID: 1700, Value: "100.00"},
		{TypeOID: 23, Value: int64(7)},
		{TypeOID: 25, Null: true},
	}, nil)
	c.ExecStart()
	c.ExecDone(1)
	c.StatementEnd(nil)

	text := out.text()
	for _, want := range []string{
		"PARSE #1",
		"SQL: UPDATE accounts SET balance = balance - $1 WHERE id = $2",
		"PARSE TIME: 0.",
		"BINDS #1",
		`  Bind#1 type=1700 value="100.00"`,
		`  Bind#2 type=23 value="7"`,
		"  Bind#3 type=25 value=NULL",
		"EXEC #1",
		"EXEC TIME: ela=0.",
		"rows=1",
		"BUFFER STATS: cr=140 pr=25 pw=2 dirtied=4",
		"WAL: records=6 fpi=1 bytes=2048",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("trace missing %q\n%s", want, text)
		}
	}

	// Strict phase order.
	last := -1
	for _, marker := range []string{"PARSE #1", "BINDS #1", "EXEC #1", "EXEC TIME:", "BUFFER STATS:"} {
		idx := strings.Index(text, marker)
		if idx < 0 {
			t.Fatalf("marker %q not found", marker)
		}
		if idx < last {
			t.Errorf("marker %q out of phase order", marker)
		}
		last = idx
	}
}

func TestStatementEnd_ZeroWalSuppressed(t *testing.T) {
	src := &scriptedSource{snaps: []usage.ResourceUsage{
		{Buffers: usage.BufferUsage{SharedHit: 10}},
		{Buffers: usage.BufferUsage{SharedHit: 50}},
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT count(*) FROM t")
	c.PlanDone()
	c.ExecStart()
	c.ExecDone(1)
	c.StatementEnd(nil)

	if strings.Contains(out.text(), "WAL:") {
		t.Error("zero WAL activity must not produce a WAL record line")
	}
}

func TestStatementEnd_CounterResetFlagged(t *testing.T) {
	src := &scriptedSource{snaps: []usage.ResourceUsage{
		{Buffers: usage.BufferUsage{SharedHit: 1000}},
		{Buffers: usage.BufferUsage{SharedHit: 5}}, // reset between snapshots
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT 1")
	c.PlanDone()
	c.ExecStart()
	c.ExecDone(1)
	c.StatementEnd(nil)

	text := out.text()
	if !strings.Contains(text, "cr=-995") {
		t.Errorf("negative diff must be printed as-is:\n%s", text)
	}
	if !strings.Contains(text, "COUNTER ANOMALY") || !strings.Contains(text, "shared_hit") {
		t.Errorf("missing anomaly marker:\n%s", text)
	}
}

func TestDisable_AbandonsOpenContext(t *testing.T) {
	c, out := newTestController(t, nil, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT * FROM big")
	c.PlanDone()
	c.ExecStart()
	c.Disable()

	text := out.text()
	if strings.Contains(text, "EXECUTION PLAN") {
		t.Error("abandoned context must not emit a plan section")
	}
	if !strings.Contains(text, "*** SESSION END") {
		t.Error("missing session footer")
	}
	if !strings.Contains(text, "*** Statements traced: 0") {
		t.Errorf("abandoned statement counted as traced:\n%s", text)
	}

	// Late hooks for the abandoned statement are no-ops.
	c.ExecDone(10)
	c.StatementEnd(nil)
}

func TestDisable_Idempotent(t *testing.T) {
	c, out := newTestController(t, nil, nil)
	c.Disable() // never enabled: no-op
	if len(out.lines) != 0 {
		t.Errorf("Disable on disabled session wrote %d records", len(out.lines))
	}
}

func TestPlanStart_LevelGate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TraceLevel = LevelOff
	c, _ := newTestController(t, cfg, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT 1")
	if c.Sequence() != 0 {
		t.Error("level 0 must not open a context or advance the sequence")
	}
}

func TestBinds_LevelGate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TraceLevel = LevelBasic
	c, out := newTestController(t, cfg, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT $1")
	c.PlanDone()
	c.BindParams([]BindParam{{TypeOID: 23, Value: 1}}, nil)
	if strings.Contains(out.text(), "BINDS") {
		t.Error("binds emitted below the bind level threshold")
	}
}

func TestBinds_RenderFailurePlaceholder(t *testing.T) {
	c, out := newTestController(t, nil, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	failing := RenderFunc(func(oid uint32, v any) (string, error) {
		return "", errors.New("no output function")
	})
	c.PlanStart("SELECT $1")
	c.PlanDone()
	c.BindParams([]BindParam{{TypeOID: 600, Value: struct{}{}}}, failing)

	if !strings.Contains(out.text(), `Bind#1 type=600 value="<unrenderable>"`) {
		t.Errorf("render failure must emit placeholder:\n%s", out.text())
	}
}

func TestStatementFilter_SkipsNonMatching(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TraceLevel = LevelBasic
	cfg.StatementFilter = `sql.contains("orders")`
	c, out := newTestController(t, cfg, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT * FROM users")
	c.PlanDone()
	if strings.Contains(out.text(), "PARSE #") {
		t.Error("filtered statement must not emit records")
	}
	if c.Sequence() != 0 {
		t.Error("filtered statement must not consume a sequence number")
	}

	c.PlanStart("SELECT * FROM orders")
	c.PlanDone()
	if !strings.Contains(out.text(), "PARSE #1") {
		t.Error("matching statement was not traced")
	}
}

func TestStatementEnd_PlanSectionAtLevelPlan(t *testing.T) {
	src := &scriptedSource{snaps: []usage.ResourceUsage{
		{},
		{Buffers: usage.BufferUsage{SharedHit: 12}},
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	root := &plan.Unary{
		Type: "Sort",
		Instr: &plan.Instrumentation{
			Loops: 1, RowsTotal: 3, TotalSec: 0.001,
		},
		Outer: &plan.Leaf{
			Type:         "Seq Scan",
			RelationName: "orders",
			Instr: &plan.Instrumentation{
				Loops: 1, RowsTotal: 3, TotalSec: 0.0005,
			},
		},
	}

	c.PlanStart("SELECT * FROM orders ORDER BY id")
	c.PlanDone()
	c.ExecStart()
	c.ExecDone(3)
	c.StatementEnd(root)

	text := out.text()
	for _, want := range []string{"EXECUTION PLAN #1:", "-> Sort", "-> Seq Scan", "Relation: orders"} {
		if !strings.Contains(text, want) {
			t.Errorf("plan section missing %q\n%s", want, text)
		}
	}
}

func TestStatementEnd_BlockIOSummaryFromSamples(t *testing.T) {
	src := &scriptedSource{snaps: []usage.ResourceUsage{
		{},
		{Buffers: usage.BufferUsage{SharedHit: 5, SharedRead: 3}},
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT * FROM t")
	c.PlanDone()
	c.ExecStart()
	c.RecordIOSample(classify.Sample{Block: 1, LatencyUS: 80})
	c.RecordIOSample(classify.Sample{Block: 2, LatencyUS: 120})
	c.RecordIOSample(classify.Sample{Block: 3, LatencyUS: 4000})
	c.ExecDone(5)
	c.StatementEnd(nil)

	text := out.text()
	for _, want := range []string{
		"BLOCK I/O SUMMARY:",
		"Total blocks accessed: 8",
		"Buffer hits (cr): 5 blocks - no I/O",
		"OS cache hits: 2 blocks",
		"Physical reads (pr): 1 blocks",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q\n%s", want, text)
		}
	}
	if strings.Contains(text, "estimated from aggregate") {
		t.Error("per-sample classification must not be marked estimated")
	}
}

func TestStatementEnd_BlockIOSummaryEstimationMode(t *testing.T) {
	src := &scriptedSource{snaps: []usage.ResourceUsage{
		{},
		{Buffers: usage.BufferUsage{SharedRead: 100, BlkReadTimeUS: 20000}},
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT * FROM t")
	c.PlanDone()
	c.ExecStart()
	c.ExecDone(100)
	c.StatementEnd(nil)

	text := out.text()
	// avg 200us < 500us threshold: entire count is OS cache.
	if !strings.Contains(text, "OS cache hits: 100 blocks") {
		t.Errorf("estimation below threshold must attribute all reads to OS cache:\n%s", text)
	}
	if !strings.Contains(text, "estimated from aggregate") {
		t.Error("estimation mode must be marked in output")
	}
}

func TestAttributionTable_RegisteredDuringStatement(t *testing.T) {
	tbl := attribution.NewTable(4)
	c, _ := newTestController(t, nil, nil)
	c.SetAttributionTable(tbl)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT 1")
	if id, ok := tbl.Lookup(4242); !ok || id != 1 {
		t.Errorf("Lookup during statement = %d,%v, want 1,true", id, ok)
	}

	c.PlanDone()
	c.ExecStart()
	c.ExecDone(1)
	c.StatementEnd(nil)
	if _, ok := tbl.Lookup(4242); ok {
		t.Error("slot must be released at statement end")
	}
}

func TestHooksWithoutContext_AreNoops(t *testing.T) {
	c, out := newTestController(t, nil, nil)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	header := len(out.lines)

	c.PlanDone()
	c.BindParams([]BindParam{{TypeOID: 23, Value: 1}}, nil)
	c.ExecStart()
	c.ExecDone(9)
	c.StatementEnd(nil)

	if len(out.lines) != header {
		t.Errorf("hooks without an open context wrote %d records", len(out.lines)-header)
	}
}

// osScriptedSource extends scriptedSource with queued OS snapshots,
// repeating the last one when the script runs out.
type osScriptedSource struct {
	scriptedSource
	osSnaps []osstat.Usage
	osI     int
}

func (s *osScriptedSource) ReadOsUsage(pid int) (osstat.Usage, bool) {
	if s.osI < len(s.osSnaps) {
		u := s.osSnaps[s.osI]
		s.osI++
		return u, true
	}
	if len(s.osSnaps) == 0 {
		return osstat.Usage{}, false
	}
	return s.osSnaps[len(s.osSnaps)-1], true
}

func TestExecDone_ExecWindowOsStats(t *testing.T) {
	// Snapshot order: plan start, exec start, exec done, statement end.
	// The execute window burns one utime tick and reads 16 kB.
	src := &osScriptedSource{osSnaps: []osstat.Usage{
		{CPU: osstat.CPUStats{UTimeTicks: 100, STimeTicks: 40}, IO: osstat.IOStats{ReadBytes: 8192}},
		{CPU: osstat.CPUStats{UTimeTicks: 100, STimeTicks: 40}, IO: osstat.IOStats{ReadBytes: 8192}},
		{CPU: osstat.CPUStats{UTimeTicks: 101, STimeTicks: 40}, IO: osstat.IOStats{ReadBytes: 24576}},
		{CPU: osstat.CPUStats{UTimeTicks: 101, STimeTicks: 40}, IO: osstat.IOStats{ReadBytes: 24576}},
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("SELECT count(*) FROM orders")
	c.PlanDone()
	c.ExecStart()
	c.ExecDone(10)
	c.StatementEnd(nil)

	text := out.text()
	for _, want := range []string{
		"  OS CPU: user=0.010s sys=0.000s total=0.010s",
		"  OS I/O: read=16384 bytes write=0 bytes",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing exec-window record %q:\n%s", want, text)
		}
	}

	// The window stats belong to the execute phase, between the EXEC TIME
	// record and the statement-level CPU summary.
	execTime := strings.Index(text, "EXEC TIME:")
	osCPU := strings.Index(text, "  OS CPU:")
	stmtCPU := strings.Index(text, "\nCPU: user=")
	if execTime < 0 || osCPU < 0 || stmtCPU < 0 || !(execTime < osCPU && osCPU < stmtCPU) {
		t.Errorf("exec-window OS stats out of phase order:\n%s", text)
	}
}

func TestStatementEnd_OsCounterResetFlagged(t *testing.T) {
	// The process behind the pid restarted mid-statement: every counter
	// came back near zero, so the statement-level diff wraps.
	src := &osScriptedSource{osSnaps: []osstat.Usage{
		{CPU: osstat.CPUStats{UTimeTicks: 5000, STimeTicks: 2000}, IO: osstat.IOStats{RChar: 1 << 30, ReadBytes: 1 << 24}},
		{CPU: osstat.CPUStats{UTimeTicks: 12, STimeTicks: 3}, IO: osstat.IOStats{RChar: 4096}},
		{CPU: osstat.CPUStats{UTimeTicks: 12, STimeTicks: 3}, IO: osstat.IOStats{RChar: 4096}},
		{CPU: osstat.CPUStats{UTimeTicks: 12, STimeTicks: 3}, IO: osstat.IOStats{RChar: 4096}},
	}}
	c, out := newTestController(t, nil, src)
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	c.PlanStart("UPDATE accounts SET touched = true")
	c.PlanDone()
	c.ExecStart()
	c.ExecDone(1)
	c.StatementEnd(nil)

	text := out.text()
	if !strings.Contains(text, "*** COUNTER ANOMALY: implausible delta in") {
		t.Fatalf("wrapped os counters not flagged:\n%s", text)
	}
	for _, field := range []string{"utime_ticks", "rchar", "read_bytes"} {
		if !strings.Contains(text, field) {
			t.Errorf("anomaly record missing field %q:\n%s", field, text)
		}
	}
	// Raw values still reported alongside the marker.
	if !strings.Contains(text, "CPU: user=") {
		t.Errorf("CPU summary suppressed by the anomaly:\n%s", text)
	}
}
