//go:build linux

package loader

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/saworbit/ringtap/pkg/config"
)

func TestHubArchiveURL(t *testing.T) {
	target := kernelTarget{
		distro:  "ubuntu",
		version: "22.04",
		arch:    "x86_64",
		release: "5.15.0-test",
	}

	got := hubArchiveURL("https://mirror.example.com/archive", target)
	want := "https://mirror.example.com/archive/ubuntu/22.04/x86_64/5.15.0-test.btf.tar.xz"
	if got != want {
		t.Fatalf("unexpected BTFHub URL\nwant: %s\ngot : %s", want, got)
	}
}

func TestFetchUnpacksArchive(t *testing.T) {
	archive := buildBTFArchive(t, "btf bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".btf.tar.xz") {
			t.Errorf("unexpected request path %s", r.URL.Path)
		}
		if _, err := w.Write(archive); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer server.Close()

	res := newBTFResolver(config.BTFConfig{
		CacheDir:      t.TempDir(),
		AllowDownload: true,
		HubMirror:     server.URL,
	})

	target := kernelTarget{
		distro:  "debian",
		version: "12",
		arch:    "x86_64",
		release: "6.1.0-test",
	}
	dest := filepath.Join(res.cacheDir, target.release+".btf")

	if err := res.fetch(context.Background(), target, dest); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read cached BTF: %v", err)
	}
	if string(data) != "btf bytes" {
		t.Fatalf("cached contents = %q, want %q", data, "btf bytes")
	}
}

func TestFetchRejectsArchiveWithoutBTF(t *testing.T) {
	archive := buildArchive(t, "README.md", "nothing useful")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	res := newBTFResolver(config.BTFConfig{
		CacheDir:      t.TempDir(),
		AllowDownload: true,
		HubMirror:     server.URL,
	})

	dest := filepath.Join(res.cacheDir, "x.btf")
	err := res.fetch(context.Background(), kernelTarget{distro: "d", version: "1", arch: "x86_64", release: "x"}, dest)
	if err == nil {
		t.Fatal("expected error for archive without a .btf member")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("cache entry should not exist, stat: %v", statErr)
	}
}

func buildBTFArchive(t *testing.T, payload string) []byte {
	t.Helper()
	return buildArchive(t, "kernel.btf", payload)
}

func buildArchive(t *testing.T, name, payload string) []byte {
	t.Helper()

	var buf bytes.Buffer
	xzw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("create xz writer: %v", err)
	}
	tw := tar.NewWriter(xzw)

	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(payload)),
	}); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write([]byte(payload)); err != nil {
		t.Fatalf("write tar payload: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := xzw.Close(); err != nil {
		t.Fatalf("close xz writer: %v", err)
	}
	return buf.Bytes()
}
