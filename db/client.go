package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dstockto/labprep/runner"
	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// timeLayout is fixed width so that stored times sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Client is a thin wrapper around a sql.DB connected to the SQLite run
// history database. Use NewClient to construct it.
//
// The underlying SQLite driver used is modernc.org/sqlite to avoid CGO.
// Driver name: "sqlite"
// DSN: path to the database file (relative or absolute)
//
// Note: SQLite is not highly concurrent. We limit MaxOpenConns to 1 by default
// to avoid locking issues for this CLI tool.
//
// Example:
//
//	c, err := db.NewClient(Cfg.Database)
//	if err != nil { return err }
//	defer c.Close()
//
//	err = c.SaveRun(report)
type Client struct {
	DB   *sql.DB
	Path string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id        TEXT PRIMARY KEY,
	protocol  TEXT NOT NULL,
	samples   INTEGER NOT NULL,
	simulated INTEGER NOT NULL,
	started   TEXT NOT NULL,
	finished  TEXT NOT NULL,
	commands  INTEGER NOT NULL,
	tips_used INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_steps (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	number      INTEGER NOT NULL,
	description TEXT NOT NULL,
	executed    INTEGER NOT NULL,
	wait_time   REAL NOT NULL,
	duration_ns INTEGER NOT NULL,
	PRIMARY KEY (run_id, number)
);
CREATE TABLE IF NOT EXISTS run_reagents (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	aspirates   INTEGER NOT NULL,
	used        REAL NOT NULL,
	needed      REAL NOT NULL,
	remaining   REAL NOT NULL,
	active_well INTEGER NOT NULL,
	overrun     INTEGER NOT NULL,
	PRIMARY KEY (run_id, name)
);
`

// NewClient opens a connection to the given SQLite database path, verifies it
// and makes sure the history tables exist.
func NewClient(path string) (*Client, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite + CLI: keep it simple, avoid many concurrent connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Client{DB: db, Path: path}, nil
}

// Close closes the underlying sql.DB. Safe to call multiple times or on a nil client.
func (c *Client) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

type ReagentRecord struct {
	Name       string
	Aspirates  int
	Used       float64
	Needed     float64
	Remaining  float64
	ActiveWell int
	Overrun    bool
}

type RunRecord struct {
	ID        string
	Protocol  string
	Samples   int
	Simulated bool
	Started   time.Time
	Finished  time.Time
	Commands  int
	TipsUsed  int
	Steps     []runner.StepTiming
	Reagents  []ReagentRecord
}

func (r RunRecord) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// SaveRun stores a run report with its step timings and reagent usage.
func (c *Client) SaveRun(rep *runner.Report) error {
	tx, err := c.DB.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`INSERT INTO runs(id, protocol, samples, simulated, started, finished, commands, tips_used) VALUES(?,?,?,?,?,?,?,?)`,
		rep.RunID, rep.Protocol, rep.Samples, rep.Simulated,
		rep.Started.UTC().Format(timeLayout), rep.Finished.UTC().Format(timeLayout),
		rep.Commands, rep.TipsUsed)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rep.RunID, err)
	}

	for _, s := range rep.Steps {
		_, err = tx.Exec(`INSERT INTO run_steps(run_id, number, description, executed, wait_time, duration_ns) VALUES(?,?,?,?,?,?)`,
			rep.RunID, s.Number, s.Description, s.Executed, s.WaitTime, int64(s.Duration))
		if err != nil {
			return fmt.Errorf("insert step %d: %w", s.Number, err)
		}
	}

	for _, u := range rep.Reagents {
		_, err = tx.Exec(`INSERT INTO run_reagents(run_id, name, aspirates, used, needed, remaining, active_well, overrun) VALUES(?,?,?,?,?,?,?,?)`,
			rep.RunID, u.Name, len(u.Used), u.Total(), u.Needed(), u.Remaining, u.ActiveWell, u.Overrun)
		if err != nil {
			return fmt.Errorf("insert reagent %s: %w", u.Name, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs first, without steps or reagents.
func (c *Client) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.DB.Query(`SELECT id, protocol, samples, simulated, started, finished, commands, tips_used FROM runs ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun loads a single run with its steps and reagent usage. A unique id
// prefix is accepted.
func (c *Client) GetRun(id string) (*RunRecord, error) {
	rows, err := c.DB.Query(`SELECT id, protocol, samples, simulated, started, finished, commands, tips_used FROM runs WHERE id LIKE ? ESCAPE '\' ORDER BY started DESC LIMIT 2`, likeEscaper.Replace(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var matches []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		matches = append(matches, rec)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, ErrRunNotFound
	case 1:
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
	rec := matches[0]

	steps, err := c.DB.Query(`SELECT number, description, executed, wait_time, duration_ns FROM run_steps WHERE run_id = ? ORDER BY number`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("get run steps: %w", err)
	}
	defer func() {
		_ = steps.Close()
	}()
	for steps.Next() {
		var s runner.StepTiming
		var ns int64
		if err := steps.Scan(&s.Number, &s.Description, &s.Executed, &s.WaitTime, &ns); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.Duration = time.Duration(ns)
		rec.Steps = append(rec.Steps, s)
	}
	if err := steps.Err(); err != nil {
		return nil, err
	}

	reagents, err := c.DB.Query(`SELECT name, aspirates, used, needed, remaining, active_well, overrun FROM run_reagents WHERE run_id = ? ORDER BY name`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("get run reagents: %w", err)
	}
	defer func() {
		_ = reagents.Close()
	}()
	for reagents.Next() {
		var r ReagentRecord
		if err := reagents.Scan(&r.Name, &r.Aspirates, &r.Used, &r.Needed, &r.Remaining, &r.ActiveWell, &r.Overrun); err != nil {
			return nil, fmt.Errorf("scan reagent: %w", err)
		}
		rec.Reagents = append(rec.Reagents, r)
	}
	return &rec, reagents.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var rec RunRecord
	var started, finished string
	if err := s.Scan(&rec.ID, &rec.Protocol, &rec.Samples, &rec.Simulated, &started, &finished, &rec.Commands, &rec.TipsUsed); err != nil {
		return rec, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if rec.Started, err = time.Parse(timeLayout, started); err != nil {
		return rec, fmt.Errorf("run %s: bad start time: %w", rec.ID, err)
	}
	if rec.Finished, err = time.Parse(timeLayout, finished); err != nil {
		return rec, fmt.Errorf("run %s: bad finish time: %w", rec.ID, err)
	}
	return rec, nil
}
