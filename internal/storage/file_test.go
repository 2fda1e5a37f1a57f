package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "modbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		s, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if s != nil {
			t.Fatalf("driver %q must yield a nil store", driver)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver must fail")
	}
}

func TestFileStoreAuditAppend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	entries := []AuditEntry{
		{Kind: "command", Module: "ping", ActorID: "u1", Outcome: "executed"},
		{Kind: "command", Module: "roll", ActorID: "u2", Outcome: "failed", Error: "kaput"},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "store.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(got))
	}
	if got[0].Module != "ping" || got[1].Error != "kaput" {
		t.Fatalf("audit content = %+v", got)
	}
	if got[0].At.IsZero() {
		t.Fatalf("append must fill a zero At timestamp")
	}
}

func TestFileStoreDedupSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "store")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.PutDedup(ctx, "m1", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Expired keys are pruned on reopen.
	if err := s.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, ok, err := s.GetDedup(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if !got.Equal(until) {
		t.Fatalf("until = %v, want %v", got, until)
	}
	if _, ok, _ := s.GetDedup(ctx, "stale"); ok {
		t.Fatalf("expired key must not survive reopen")
	}
	if _, ok, _ := s.GetDedup(ctx, ""); ok {
		t.Fatalf("empty key is never stored")
	}
}
