// Package store persists one summary row per traced statement so
// sessions can be analyzed after the trace files rotate away.
package store

import "time"

// StatementSummary is the per-statement aggregate written at finalize
// time.
type StatementSummary struct {
	ID          int64     `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	StatementID int64     `json:"statement_id" db:"statement_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	SQL         string    `json:"sql" db:"sql_text"`
	StartedAt   time.Time `json:"started_at" db:"started_at"`

	ParseTimeUS int64 `json:"parse_time_us" db:"parse_time_us"`
	ExecTimeUS  int64 `json:"exec_time_us" db:"exec_time_us"`
	Rows        int64 `json:"rows" db:"rows"`

	SharedHit     int64 `json:"shared_hit" db:"shared_hit"`
	SharedRead    int64 `json:"shared_read" db:"shared_read"`
	SharedDirtied int64 `json:"shared_dirtied" db:"shared_dirtied"`
	SharedWritten int64 `json:"shared_written" db:"shared_written"`
	WalRecords    int64 `json:"wal_records" db:"wal_records"`
	WalBytes      int64 `json:"wal_bytes" db:"wal_bytes"`

	EngineHits  int64 `json:"engine_hits" db:"engine_hits"`
	OsCacheHits int64 `json:"os_cache_hits" db:"os_cache_hits"`
	DiskReads   int64 `json:"disk_reads" db:"disk_reads"`

	CPUTotalSec float64 `json:"cpu_total_sec" db:"cpu_total_sec"`
}

// FingerprintReport aggregates all executions of one statement text.
type FingerprintReport struct {
	Fingerprint   string  `json:"fingerprint"`
	SQL           string  `json:"sql"`
	Calls         int64   `json:"calls"`
	TotalExecUS   int64   `json:"total_exec_us"`
	AvgExecUS     float64 `json:"avg_exec_us"`
	TotalRows     int64   `json:"total_rows"`
	TotalDiskRead int64   `json:"total_disk_reads"`
}

// Store defines the statement-summary persistence backend.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	InsertStatement(s *StatementSummary) error
	ListStatements(sessionID string, limit int) ([]*StatementSummary, error)
	TopByElapsed(limit int) ([]*StatementSummary, error)
	ReportByFingerprint(limit int) ([]*FingerprintReport, error)
}
