package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/telemetry"
)

func TestShellSession(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(&out, log.NewDiscard(), telemetry.NewNoop())
	defer sh.close()

	run := func(line string) string {
		t.Helper()
		out.Reset()
		if !sh.exec(line) {
			t.Fatalf("%q ended the session", line)
		}
		return out.String()
	}

	if got := run("GET a"); !strings.Contains(got, "No database open") {
		t.Errorf("expected no database error, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "db")
	if got := run(".open " + path); !strings.Contains(got, "Database opened") {
		t.Fatalf("open failed: %q", got)
	}
	if sh.prompt() != "yalskv:"+path+"> " {
		t.Errorf("unexpected prompt %q", sh.prompt())
	}

	run("PUT a hello world")
	run("PUT b 2")
	run("PUT c 3")
	if got := run("GET a"); got != "hello world\n" {
		t.Errorf("GET a = %q", got)
	}
	run("DELETE b")
	if got := run("GET b"); !strings.Contains(got, "Key not found") {
		t.Errorf("GET b = %q", got)
	}

	if got := run(".reduce"); !strings.Contains(got, "Reduced 1 segments into 1") {
		t.Errorf("unexpected reduce output %q", got)
	}

	got := run("SCAN")
	if !strings.Contains(got, "a: hello world\nc: 3\n2 entries found") {
		t.Errorf("unexpected scan output %q", got)
	}
	got = run("SCAN b c")
	if !strings.Contains(got, "c: 3\n1 entries found") {
		t.Errorf("unexpected range scan output %q", got)
	}

	if got := run(".stats"); !strings.Contains(got, "insert_ops: 3") {
		t.Errorf("stats missing insert count: %q", got)
	}
	if got := run("PUT onlykey"); !strings.Contains(got, "requires key and value") {
		t.Errorf("expected usage error, got %q", got)
	}
	if got := run("FROB"); !strings.Contains(got, "Unknown command") {
		t.Errorf("expected unknown command, got %q", got)
	}

	if got := run(".close"); !strings.Contains(got, "closed") {
		t.Errorf("close failed: %q", got)
	}

	// Data survives reopening
	run(".open " + path)
	if got := run("GET a"); got != "hello world\n" {
		t.Errorf("after reopen GET a = %q", got)
	}

	out.Reset()
	if sh.exec(".exit") {
		t.Error(".exit should end the session")
	}
}
