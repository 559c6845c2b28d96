package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
)

const cleanTrace = `
name: clean call
modules:
  - {name: app, start: 0x400000, end: 0x500000}
threads:
  - id: 1
    events:
      - {op: block, addr: 0x401000}
      - {op: block, addr: 0x401005}
      - {op: block, addr: 0x402000}
      - {op: icall, from: 0x401000, to: 0x402000, sp: 0x7ffd0000, ret: 0x401005}
      - {op: ret, from: 0x402000, to: 0x401005, sp: 0x7ffd0000}
      - {op: syscall, addr: 0x401005, number: 60}
`

const hijackTrace = `
modules:
  - {name: app, start: 0x400000, end: 0x500000}
threads:
  - id: 1
    events:
      - {op: block, addr: 0x401000}
      - {op: block, addr: 0x402000}
      - {op: block, addr: 0x401abc}
      - {op: call, from: 0x401000, to: 0x402000, sp: 0x7ffd0000, ret: 0x401005}
      - {op: ret, from: 0x402000, to: 0x401abc, sp: 0x7ffd0000}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommands(t *testing.T) {
	log.SetHandler(discard.New())
	dir := t.TempDir()
	trace := writeFile(t, dir, "clean.yaml", cleanTrace)
	edges := filepath.Join(dir, "edges.cfi")
	hashes := filepath.Join(dir, "hashes.cfi")
	db := filepath.Join(dir, "cfi.db")
	dot := filepath.Join(dir, "cfg.dot")

	out, err := execute(t, "replay", trace, "-o", edges, "--hashes", hashes, "--db", db)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, want := range []string{"[ replay ] clean call", "violations none", "1 pair(s)"} {
		if !strings.Contains(strings.Join(strings.Fields(out), " "), want) {
			t.Errorf("replay output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "graph", edges, "--dot", dot)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if !strings.Contains(out, "[ graph ]") || !strings.Contains(out, "+1 syscall nodes") {
		t.Errorf("graph output:\n%s", out)
	}
	data, err := os.ReadFile(dot)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "digraph") {
		t.Errorf("DOT file:\n%s", data)
	}

	out, err = execute(t, "graph", "--db", db)
	if err != nil {
		t.Fatalf("graph --db: %v", err)
	}
	if !strings.Contains(out, "(run ") {
		t.Errorf("graph --db output:\n%s", out)
	}

	out, err = execute(t, "dump", edges)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out, "indirect") || !strings.Contains(out, "syscall(60)") {
		t.Errorf("dump output:\n%s", out)
	}

	out, err = execute(t, "dump", hashes, "--hashes")
	if err != nil {
		t.Fatalf("dump --hashes: %v", err)
	}
	if !strings.Contains(out, "[ hashes ]") || strings.Count(out, "\n") != 2 {
		t.Errorf("dump --hashes output:\n%s", out)
	}

	out, err = execute(t, "version")
	if err != nil || !strings.Contains(out, "cfiwatch version 0.1.0") {
		t.Errorf("version = %q, %v", out, err)
	}

	hijack := writeFile(t, dir, "hijack.yaml", hijackTrace)
	out, err = execute(t, "replay", hijack, "-o", filepath.Join(dir, "hijack.cfi"), "--hashes", "", "--db", "", "--strict")
	if !errors.Is(err, ErrViolations) {
		t.Errorf("replay --strict err = %v", err)
	}
	if !strings.Contains(out, "1 unexpected return(s)") {
		t.Errorf("replay --strict output:\n%s", out)
	}
}

func TestReplayMissingTrace(t *testing.T) {
	log.SetHandler(discard.New())
	if _, err := execute(t, "replay", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("replay of a missing trace succeeded")
	}
}
