// Package audit records every allow/deny decision the sandbox and MCP
// gateway make, redacting secrets before anything touches disk.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/anemos/assistant-fabric/internal/redact"
)

type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	Decision      string    `json:"decision"` // "allow", "deny", or "fatal" (startup failure)
	Capability    string    `json:"capability"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	Subject       string    `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens the append-only audit log under homeDir/logs/audit.jsonl.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches a database handle. When set, every entry is also
// inserted into the audit_log table so it survives log rotation.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// OpenSQLite opens (creating if absent) the audit_log table's backing
// SQLite database under homeDir/logs/audit.db and returns the handle for
// SetDB. The JSONL sink Init opens is the log a human tails; this table
// is what survives log rotation and lets the entries be queried.
func OpenSQLite(homeDir string) (*sql.DB, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", filepath.Join(dir, "audit.db"))
	d, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS audit_log (
		audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		subject TEXT,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		policy_version TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := d.ExecContext(context.Background(), schema); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("create audit_log table: %w", err)
	}
	return d, nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	return file.Close()
}

// DenyCount returns the number of deny decisions recorded since startup,
// exposed on the health endpoint as a coarse tamper/lockout signal.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one audit entry. Reason and subject are redacted before
// they reach either sink: redaction happens at persistence time, not only
// wherever the caller happens to log.
func Record(decision, capability, reason, policyVersion, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	e := Entry{
		Timestamp:     time.Now().UTC(),
		Decision:      decision,
		Capability:    capability,
		Reason:        redact.Scrub(reason),
		PolicyVersion: policyVersion,
		Subject:       redact.Scrub(subject),
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if line, err := json.Marshal(e); err == nil {
			line = append(line, '\n')
			_, _ = file.Write(line)
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(),
			`INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"", e.Subject, e.Capability, e.Decision, e.Reason, e.PolicyVersion, e.Timestamp)
	}
}
