package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordRedactsBeforePersisting(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	Record("deny", "tools.exec", "missing_capability api_key=sk-abcdef0123456789ABCDEF", "v1", "user-42")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "sk-abcdef0123456789ABCDEF") {
		t.Fatalf("secret leaked into audit log: %s", data)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var last Entry
	for scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &last); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
	}
	if last.Decision != "deny" || last.Capability != "tools.exec" {
		t.Fatalf("unexpected entry: %+v", last)
	}
}

func TestOpenSQLitePersistsEntries(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	sqlDB, err := OpenSQLite(home)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	SetDB(sqlDB)
	t.Cleanup(func() {
		SetDB(nil)
		sqlDB.Close()
	})

	Record("allow", "tools.read_url", "granted", "v3", "user-1")

	var count int
	if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = ? AND decision = ?`, "tools.read_url", "allow").Scan(&count); err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row inserted into audit_log, got %d", count)
	}
}

func TestDenyCountIncrements(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	before := DenyCount()
	Record("deny", "tools.exec", "denied", "v1", "")
	Record("allow", "tools.read_url", "granted", "v1", "")
	if got := DenyCount(); got != before+1 {
		t.Fatalf("expected deny count to increment by 1, got delta %d", got-before)
	}
}
