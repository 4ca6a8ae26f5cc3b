package buildcache

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestFingerprintStableAcrossOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.c", "int a;")
	b := writeSource(t, dir, "b.c", "int b;")

	first, err := FingerprintSources([]string{a, b})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	second, err := FingerprintSources([]string{b, a})
	if err != nil {
		t.Fatalf("fingerprint reversed: %v", err)
	}
	if first != second {
		t.Fatal("fingerprint depends on argument order")
	}
}

func TestFingerprintTracksContentAndNames(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.c", "int a;")
	b := writeSource(t, dir, "b.c", "int b;")

	base, err := FingerprintSources([]string{a, b})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	writeSource(t, dir, "a.c", "int a = 1;")
	changed, err := FingerprintSources([]string{a, b})
	if err != nil {
		t.Fatalf("fingerprint after edit: %v", err)
	}
	if changed == base {
		t.Fatal("edit did not change the fingerprint")
	}

	// Same bytes under a different name must also fingerprint differently.
	renamed := writeSource(t, dir, "c.c", "int b;")
	moved, err := FingerprintSources([]string{a, renamed})
	if err != nil {
		t.Fatalf("fingerprint after rename: %v", err)
	}
	withB, err := FingerprintSources([]string{a, b})
	if err != nil {
		t.Fatalf("fingerprint control: %v", err)
	}
	if moved == withB {
		t.Fatal("rename did not change the fingerprint")
	}
}

func TestFingerprintRejectsEmptyList(t *testing.T) {
	if _, err := FingerprintSources(nil); err == nil {
		t.Fatal("expected error for empty source list")
	}
}

func TestKernelHeaderArgs(t *testing.T) {
	root := t.TempDir()

	args, err := kernelHeaderArgs(root)
	if err != nil {
		t.Fatalf("header args: %v", err)
	}

	foundInclude := false
	for i, a := range args {
		if a == "-I" && i+1 < len(args) && args[i+1] == filepath.Join(root, "include") {
			foundInclude = true
		}
	}
	if !foundInclude {
		t.Fatalf("args missing top-level include dir: %v", args)
	}
	if args[len(args)-2] != "-include" {
		t.Fatalf("expected trailing kconfig include, got %v", args)
	}
}

func TestKernelHeaderArgsMissingRoot(t *testing.T) {
	if _, err := kernelHeaderArgs(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing header root")
	}
}
