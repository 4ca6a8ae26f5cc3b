package scaffold

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "myprobe")

	if err := New(dir, ""); err != nil {
		t.Fatalf("new project: %v", err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.Name != "myprobe" {
		t.Fatalf("project name = %q, want %q", m.Name, "myprobe")
	}
	if len(m.Programs) != 0 {
		t.Fatalf("fresh project lists %d programs", len(m.Programs))
	}

	if fi, err := os.Stat(filepath.Join(dir, "src")); err != nil || !fi.IsDir() {
		t.Fatalf("src dir missing: %v", err)
	}
}

func TestNewRefusesExistingPath(t *testing.T) {
	dir := t.TempDir()
	if err := New(dir, "x"); err == nil {
		t.Fatal("expected error for existing destination")
	}
}

func TestAddProgram(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	if err := New(dir, "proj"); err != nil {
		t.Fatalf("new project: %v", err)
	}

	if err := Add(dir, "opens"); err != nil {
		t.Fatalf("add program: %v", err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	p, ok := m.Program("opens")
	if !ok {
		t.Fatal("manifest does not list the new program")
	}

	src, err := os.ReadFile(filepath.Join(dir, p.Source))
	if err != nil {
		t.Fatalf("read generated source: %v", err)
	}
	for _, want := range []string{"BPF_MAP_TYPE_PERF_EVENT_ARRAY", `SEC("kprobe/`, "bpf_perf_event_output"} {
		if !strings.Contains(string(src), want) {
			t.Fatalf("generated source missing %q", want)
		}
	}

	sources, err := m.Sources(dir, "opens")
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 1 || sources[0] != filepath.Join(dir, "src", "opens", "main.c") {
		t.Fatalf("unexpected source list %v", sources)
	}
}

func TestAddRejectsPathEscapingNames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	if err := New(dir, "proj"); err != nil {
		t.Fatalf("new project: %v", err)
	}

	for _, name := range []string{"", ".", "..", "../evil", "a/b", `a\b`, "./x"} {
		if err := Add(dir, name); err == nil {
			t.Errorf("Add(%q) expected error, got none", name)
		}
	}

	// Nothing may have been written outside src/ or into the manifest.
	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if len(m.Programs) != 0 {
		t.Fatalf("rejected names still registered programs: %v", m.Programs)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "evil")); !os.IsNotExist(err) {
		t.Fatalf("a rejected name escaped the project tree: %v", err)
	}
}

func TestAddDuplicateProgram(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	if err := New(dir, "proj"); err != nil {
		t.Fatalf("new project: %v", err)
	}
	if err := Add(dir, "opens"); err != nil {
		t.Fatalf("add program: %v", err)
	}
	if err := Add(dir, "opens"); err == nil {
		t.Fatal("expected error for duplicate program name")
	}
}
