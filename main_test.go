package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/saworbit/ringtap/pkg/config"
)

func TestRootCommandLayout(t *testing.T) {
	root := newRootCmd()

	want := map[string]bool{
		"new":   false,
		"add":   false,
		"build": false,
		"load":  false,
		"trace": false,
	}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("root command is missing %q", name)
		}
	}
}

func TestObjectPath(t *testing.T) {
	got := objectPath("/proj", "opens")
	want := filepath.Join("/proj", "target", "opens.o")
	if got != want {
		t.Fatalf("objectPath = %q, want %q", got, want)
	}
}

func TestOpenStoreDefaultsUnderTarget(t *testing.T) {
	dir := t.TempDir()

	store, err := openStore(dir, &config.BuildConfig{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if fi, err := os.Stat(filepath.Join(dir, "target", "cache")); err != nil || !fi.IsDir() {
		t.Fatalf("cache dir not created under target: %v", err)
	}
}
