package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/querytrace/querytrace/internal/attribution"
	"github.com/querytrace/querytrace/internal/blockio"
	"github.com/querytrace/querytrace/internal/classify"
	"github.com/querytrace/querytrace/internal/config"
	"github.com/querytrace/querytrace/internal/plan"
	"github.com/querytrace/querytrace/internal/sink"
	"github.com/querytrace/querytrace/internal/store"
	"github.com/querytrace/querytrace/internal/trace"
	"github.com/querytrace/querytrace/internal/usage"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "querytrace",
		Short: "Oracle 10046-style query trace engine",
		Long:  "querytrace records per-statement timing, binds, resource deltas, and\ncache-tier classified plan traces for a query engine session.",
	}

	var configFile string
	var level int
	var statements int
	var limit int

	// ─── demo ───
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a synthetic workload through the trace hooks and write a trace file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(configFile, level, statements)
		},
	}
	demoCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: querytrace.yaml)")
	demoCmd.Flags().IntVarP(&level, "level", "l", trace.LevelPlan, "Trace level override (0-16)")
	demoCmd.Flags().IntVarP(&statements, "statements", "n", 5, "Number of synthetic statements to trace")

	// ─── report ───
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate traced statements from the summary store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(configFile, limit)
		},
	}
	reportCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	reportCmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to show")

	// ─── top ───
	topCmd := &cobra.Command{
		Use:   "top",
		Short: "Show the slowest traced statements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTop(configFile, limit)
		},
	}
	topCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	topCmd.Flags().IntVar(&limit, "limit", 10, "Maximum rows to show")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "querytrace.yaml"
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("  %s already exists (skipping)\n", path)
				return nil
			}
			if err := config.GenerateDefault(path); err != nil {
				return err
			}
			fmt.Printf("  Generated %s\n", path)
			return nil
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("querytrace %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(demoCmd, reportCmd, topCmd, initCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configFile string) (*config.Loader, error) {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	return loader, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func runDemo(configFile string, level, statements int) error {
	cfgLoader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Get()
	cfg.TraceLevel = level
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	// Hot reload: a config edit adjusts the trace level mid-session.
	var watcher *config.Watcher
	if cfgLoader.FilePath() != "" {
		if watcher, err = config.NewWatcher(cfgLoader, logger); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.Start()
			defer func() { _ = watcher.Stop() }()
		}
	}

	// Statement summary store.
	var summaries store.Store
	if cfg.Storage.Enabled {
		s, err := store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		if err := s.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() { _ = s.Close() }()
		summaries = s
	}

	// Live websocket feed.
	var live *sink.Live
	if cfg.Live.Enabled {
		live = sink.NewLive(logger)
		mux := http.NewServeMux()
		mux.HandleFunc("/trace", live.HandleWebSocket)
		go func() {
			if err := http.ListenAndServe(cfg.Live.Addr, mux); err != nil {
				logger.Error("live feed server error", "addr", cfg.Live.Addr, "error", err)
			}
		}()
		logger.Info("live trace feed", "url", "ws://"+cfg.Live.Addr+"/trace")
	}

	pid := os.Getpid()
	var fileSink *sink.FileSink
	newSink := func() (sink.Sink, error) {
		fs, err := sink.NewFileSink(cfg.TraceDirectory, cfg.TraceFileMaxSizeKB, logger)
		if err != nil {
			return nil, err
		}
		fileSink = fs
		if live != nil {
			return sink.NewMulti(fs, live), nil
		}
		return fs, nil
	}

	table := attribution.NewTable(cfg.AttributionSlots)
	engine := newDemoEngine()

	ctrl := trace.NewController(cfg, trace.FuncSource{Resource: engine.snapshot}, newSink, pid, logger)
	ctrl.SetAttributionTable(table)
	if summaries != nil {
		ctrl.SetSummaryWriter(summaries)
	}
	if watcher != nil {
		watcher.OnReload(func(c *config.Config) {
			if err := ctrl.SetLevel(c.TraceLevel); err != nil {
				logger.Warn("reloaded trace level rejected", "error", err)
			}
		})
	}

	if err := ctrl.Enable(); err != nil {
		return err
	}

	// Storage layer wrapped by the I/O tracer: every simulated block read
	// lands in the trace as a WAIT record attributed to the statement.
	tracer := blockio.NewTracer(engine, table, sink.Discard{}, pid)
	if fileSink != nil {
		tracer = blockio.NewTracer(engine, table, fileSink, pid)
	}
	tracer.Enable()

	for i := 0; i < statements; i++ {
		runDemoStatement(ctrl, engine, tracer, i)
	}

	ctrl.Disable()

	if fileSink != nil {
		fmt.Printf("\n  Trace file: %s\n", fileSink.Path())
	}
	fmt.Printf("  Session:    %s\n", ctrl.SessionID())
	fmt.Printf("  Statements: %d\n", statements)
	if summaries != nil {
		fmt.Printf("  Summaries:  %s\n", cfg.Storage.Path)
	}
	return nil
}

// demoWorkload are the statements the demo cycles through; shapes chosen
// to exercise binds, joins, and multi-child plan nodes.
var demoWorkload = []struct {
	sql   string
	binds []trace.BindParam
	rows  int64
	reads int
}{
	{
		sql: "SELECT * FROM orders WHERE customer_id = $1",
		binds: []trace.BindParam{
			{TypeOID: 23, Value: int64(42)},
		},
		rows:  17,
		reads: 24,
	},
	{
		sql: "UPDATE accounts SET balance = balance - $1 WHERE id = $2",
		binds: []trace.BindParam{
			{TypeOID: 1700, Value: "100.00"},
			{TypeOID: 23, Value: int64(7)},
		},
		rows:  1,
		reads: 4,
	},
	{
		sql:   "SELECT c.name, sum(o.total) FROM customers c JOIN orders o ON o.customer_id = c.id GROUP BY c.name",
		binds: nil,
		rows:  240,
		reads: 96,
	},
	{
		sql: "INSERT INTO audit_log (actor, action, at) VALUES ($1, $2, $3)",
		binds: []trace.BindParam{
			{TypeOID: 25, Value: "svc_billing"},
			{TypeOID: 25, Value: "refund"},
			{TypeOID: 1184, Null: true},
		},
		rows:  1,
		reads: 2,
	},
}

func runDemoStatement(ctrl *trace.Controller, engine *demoEngine, tracer *blockio.Tracer, seq int) {
	w := demoWorkload[seq%len(demoWorkload)]

	ctrl.PlanStart(w.sql)
	time.Sleep(time.Duration(200+rand.Intn(800)) * time.Microsecond)
	ctrl.PlanDone()
	ctrl.BindParams(w.binds, nil)

	ctrl.ExecStart()
	rel := blockio.RelRef{Tablespace: 1663, Database: 16384, Relation: uint32(16400 + seq), Fork: "main"}
	for b := 0; b < w.reads; b++ {
		hit := rand.Intn(10) < 7 // ~70% buffer cache hit rate
		latency := engine.readBlock(tracer, rel, uint32(b), hit)
		ctrl.RecordIOSample(classify.Sample{Block: uint64(b), LatencyUS: latency, CacheHit: hit})
	}
	engine.finishStatement(w.rows)
	ctrl.ExecDone(w.rows)

	ctrl.StatementEnd(demoPlan(w.rows))
}

// demoPlan builds a small executed tree covering leaf, binary, and unary
// shapes so plan sections show realistic nesting.
func demoPlan(rows int64) plan.Node {
	scanUsage := &usage.ResourceUsage{
		Buffers: usage.BufferUsage{SharedHit: 80, SharedRead: 12},
	}
	return &plan.Unary{
		Type:  "Aggregate",
		Instr: &plan.Instrumentation{Loops: 1, RowsTotal: float64(rows), PlanRows: float64(rows), StartupSec: 0.0021, TotalSec: 0.0043},
		Outer: &plan.Binary{
			Type:  "Hash Join",
			Instr: &plan.Instrumentation{Loops: 1, RowsTotal: float64(rows) * 2, PlanRows: float64(rows) * 3, StartupSec: 0.0008, TotalSec: 0.0035},
			Outer: &plan.Leaf{
				Type:         "Seq Scan",
				RelationName: "orders",
				Instr: &plan.Instrumentation{
					Loops: 1, RowsTotal: float64(rows) * 3, PlanRows: float64(rows) * 4, TotalSec: 0.0019,
					Usage: scanUsage, BlkReadTimeUS: 1800,
				},
			},
			Inner: &plan.Leaf{
				Type:         "Index Scan",
				RelationName: "customers",
				IndexName:    "customers_pkey",
				Instr: &plan.Instrumentation{
					Loops: 1, RowsTotal: float64(rows), PlanRows: float64(rows), TotalSec: 0.0011,
				},
			},
		},
	}
}

func runReport(configFile string, limit int) error {
	s, err := openStore(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	report, err := s.ReportByFingerprint(limit)
	if err != nil {
		return err
	}
	if len(report) == 0 {
		fmt.Println("No traced statements yet. Run 'querytrace demo' first.")
		return nil
	}

	fmt.Printf("%-15s %-8s %-12s %-12s %-10s %s\n", "SQL_ID", "CALLS", "TOTAL(ms)", "AVG(ms)", "DISK", "SQL")
	fmt.Println(strings.Repeat("-", 100))
	for _, r := range report {
		fmt.Printf("%-15s %-8d %-12.2f %-12.2f %-10d %s\n",
			r.Fingerprint, r.Calls,
			float64(r.TotalExecUS)/1000, r.AvgExecUS/1000,
			r.TotalDiskRead, truncate(r.SQL, 45))
	}
	return nil
}

func runTop(configFile string, limit int) error {
	s, err := openStore(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	top, err := s.TopByElapsed(limit)
	if err != nil {
		return err
	}
	if len(top) == 0 {
		fmt.Println("No traced statements yet. Run 'querytrace demo' first.")
		return nil
	}

	fmt.Printf("%-28s %-6s %-12s %-8s %-10s %s\n", "SESSION", "STMT", "ELA(ms)", "ROWS", "READS", "SQL")
	fmt.Println(strings.Repeat("-", 100))
	for _, t := range top {
		fmt.Printf("%-28s %-6d %-12.2f %-8d %-10d %s\n",
			truncate(t.SessionID, 26), t.StatementID,
			float64(t.ExecTimeUS)/1000, t.Rows, t.SharedRead, truncate(t.SQL, 40))
	}
	return nil
}

func openStore(configFile string) (*store.SQLiteStore, error) {
	cfgLoader, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	cfg := cfgLoader.Get()

	s, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := s.Initialize(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return s, nil
}

// demoEngine is the synthetic host: it accumulates buffer/WAL counters
// as the workload "executes" and serves as the blockio storage backend.
type demoEngine struct {
	res usage.ResourceUsage
}

func newDemoEngine() *demoEngine {
	return &demoEngine{}
}

func (e *demoEngine) snapshot() usage.ResourceUsage {
	return e.res
}

// readBlock simulates one block access and returns its latency in
// microseconds. Cache hits cost nothing; misses go through the traced
// storage layer with a latency mix spanning the OS-cache/disk boundary.
func (e *demoEngine) readBlock(tracer *blockio.Tracer, rel blockio.RelRef, block uint32, hit bool) float64 {
	if hit {
		e.res.Buffers.SharedHit++
		return 0
	}
	e.res.Buffers.SharedRead++

	latency := float64(40 + rand.Intn(400)) // os cache territory
	if rand.Intn(10) < 2 {
		latency = float64(1500 + rand.Intn(8000)) // spinning disk
	}
	e.res.Buffers.BlkReadTimeUS += latency

	_ = tracer.ReadBlock(rel, block, nil)
	return latency
}

func (e *demoEngine) finishStatement(rows int64) {
	e.res.Buffers.SharedDirtied += rows / 4
	if rows > 0 {
		e.res.Wal.Records += rows
		e.res.Wal.Bytes += rows * 96
	}
}

// blockio.Store implementation: the demo has no real storage, so the
// inner operations are immediate.
func (e *demoEngine) ReadBlock(rel blockio.RelRef, block uint32, buf []byte) error  { return nil }
func (e *demoEngine) WriteBlock(rel blockio.RelRef, block uint32, buf []byte) error { return nil }
func (e *demoEngine) Extend(rel blockio.RelRef, block uint32, buf []byte) error     { return nil }
func (e *demoEngine) Sync(rel blockio.RelRef) error                                 { return nil }

func findConfigFile() string {
	candidates := []string{
		"querytrace.yaml",
		"querytrace.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "querytrace", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}
