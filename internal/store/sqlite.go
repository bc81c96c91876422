package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed summary store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS statements (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id      TEXT NOT NULL,
		statement_id    INTEGER NOT NULL,
		fingerprint     TEXT NOT NULL,
		sql_text        TEXT NOT NULL,
		started_at      DATETIME NOT NULL,
		parse_time_us   INTEGER DEFAULT 0,
		exec_time_us    INTEGER DEFAULT 0,
		rows            INTEGER DEFAULT 0,
		shared_hit      INTEGER DEFAULT 0,
		shared_read     INTEGER DEFAULT 0,
		shared_dirtied  INTEGER DEFAULT 0,
		shared_written  INTEGER DEFAULT 0,
		wal_records     INTEGER DEFAULT 0,
		wal_bytes       INTEGER DEFAULT 0,
		engine_hits     INTEGER DEFAULT 0,
		os_cache_hits   INTEGER DEFAULT 0,
		disk_reads      INTEGER DEFAULT 0,
		cpu_total_sec   REAL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_statements_session ON statements(session_id);
	CREATE INDEX IF NOT EXISTS idx_statements_fingerprint ON statements(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_statements_started ON statements(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertStatement(sum *StatementSummary) error {
	res, err := s.db.Exec(`INSERT INTO statements (session_id, statement_id, fingerprint, sql_text,
		started_at, parse_time_us, exec_time_us, rows, shared_hit, shared_read, shared_dirtied,
		shared_written, wal_records, wal_bytes, engine_hits, os_cache_hits, disk_reads, cpu_total_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.StatementID, sum.Fingerprint, sum.SQL,
		sum.StartedAt, sum.ParseTimeUS, sum.ExecTimeUS, sum.Rows,
		sum.SharedHit, sum.SharedRead, sum.SharedDirtied, sum.SharedWritten,
		sum.WalRecords, sum.WalBytes,
		sum.EngineHits, sum.OsCacheHits, sum.DiskReads, sum.CPUTotalSec)
	if err != nil {
		return fmt.Errorf("insert statement summary: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		sum.ID = id
	}
	return nil
}

const summaryColumns = `id, session_id, statement_id, fingerprint, sql_text, started_at,
	parse_time_us, exec_time_us, rows, shared_hit, shared_read, shared_dirtied, shared_written,
	wal_records, wal_bytes, engine_hits, os_cache_hits, disk_reads, cpu_total_sec`

func (s *SQLiteStore) ListStatements(sessionID string, limit int) ([]*StatementSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+summaryColumns+` FROM statements
		WHERE session_id = ? ORDER BY statement_id LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *SQLiteStore) TopByElapsed(limit int) ([]*StatementSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+summaryColumns+` FROM statements
		ORDER BY exec_time_us DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top statements: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *SQLiteStore) ReportByFingerprint(limit int) ([]*FingerprintReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT fingerprint, MIN(sql_text), COUNT(*),
		SUM(exec_time_us), AVG(exec_time_us), SUM(rows), SUM(disk_reads)
		FROM statements GROUP BY fingerprint
		ORDER BY SUM(exec_time_us) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fingerprint report: %w", err)
	}
	defer rows.Close()

	var out []*FingerprintReport
	for rows.Next() {
		r := &FingerprintReport{}
		if err := rows.Scan(&r.Fingerprint, &r.SQL, &r.Calls,
			&r.TotalExecUS, &r.AvgExecUS, &r.TotalRows, &r.TotalDiskRead); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSummaries(rows *sql.Rows) ([]*StatementSummary, error) {
	var out []*StatementSummary
	for rows.Next() {
		sum := &StatementSummary{}
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.StatementID, &sum.Fingerprint,
			&sum.SQL, &sum.StartedAt, &sum.ParseTimeUS, &sum.ExecTimeUS, &sum.Rows,
			&sum.SharedHit, &sum.SharedRead, &sum.SharedDirtied, &sum.SharedWritten,
			&sum.WalRecords, &sum.WalBytes,
			&sum.EngineHits, &sum.OsCacheHits, &sum.DiskReads, &sum.CPUTotalSec); err != nil {
			return nil, fmt.Errorf("scan statement summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
