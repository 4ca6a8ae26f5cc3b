package buildcache

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/saworbit/ringtap/internal/metrics"
	"github.com/saworbit/ringtap/pkg/config"
)

// Builder compiles BPF C sources through clang and consults the artifact
// store before doing any work.
type Builder struct {
	cfg   *config.BuildConfig
	store *Store
}

// NewBuilder wires a builder to its artifact store. store may be nil to
// force compilation on every call.
func NewBuilder(cfg *config.BuildConfig, store *Store) *Builder {
	return &Builder{cfg: cfg, store: store}
}

// Build produces the object file for one program and writes it to
// outPath. Unchanged sources are served from the store without invoking
// the compiler.
func (b *Builder) Build(ctx context.Context, program string, sources []string, outPath string) error {
	root, err := FingerprintSources(sources)
	if err != nil {
		return err
	}

	if b.store != nil {
		if obj, art, err := b.store.Lookup(program, root); err == nil {
			metrics.ObserveCacheLookup(true)
			log.Printf("[Build] %s unchanged, using cached object %s", program, art.CID)
			return os.WriteFile(outPath, obj, 0o644)
		}
		metrics.ObserveCacheLookup(false)
	}

	obj, err := b.compile(ctx, sources, outPath)
	metrics.ObserveBuild(err)
	if err != nil {
		return err
	}

	if b.store != nil {
		art, err := b.store.Put(program, root, obj)
		if err != nil {
			return err
		}
		log.Printf("[Build] %s compiled, stored as %s (%d bytes)", program, art.CID, art.Size)
	}
	return nil
}

// compile invokes clang once per object, targeting the BPF backend.
func (b *Builder) compile(ctx context.Context, sources []string, outPath string) ([]byte, error) {
	headers, err := kernelHeaderArgs(b.cfg.KernelHeaderRoot)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-target", "bpf",
		"-O2", "-g",
		"-Wall", "-Werror",
		"-D__KERNEL__", "-D__BPF_TRACING__",
	}
	args = append(args, headers...)
	args = append(args, "-c")
	args = append(args, sources...)
	args = append(args, "-o", outPath)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("buildcache: create output dir: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.cfg.Clang, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("buildcache: %s failed: %w\n%s", b.cfg.Clang, err, stderr.String())
	}

	obj, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("buildcache: read compiled object: %w", err)
	}
	return obj, nil
}

// kernelHeaderArgs builds the include flags the kernel's exported headers
// need, mirroring the layout under /lib/modules/<release>/build.
func kernelHeaderArgs(root string) ([]string, error) {
	if root == "" {
		release, err := os.ReadFile("/proc/sys/kernel/osrelease")
		if err != nil {
			return nil, fmt.Errorf("buildcache: detect kernel release: %w", err)
		}
		root = filepath.Join("/lib/modules", strings.TrimSpace(string(release)), "build")
	}

	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("buildcache: kernel headers not found at %s: %w", root, err)
	}

	arch, err := kernelArch(runtime.GOARCH)
	if err != nil {
		return nil, err
	}

	includes := []string{
		filepath.Join(root, "arch", arch, "include"),
		filepath.Join(root, "arch", arch, "include", "generated"),
		filepath.Join(root, "include"),
		filepath.Join(root, "arch", arch, "include", "uapi"),
		filepath.Join(root, "arch", arch, "include", "generated", "uapi"),
		filepath.Join(root, "include", "uapi"),
		filepath.Join(root, "include", "generated", "uapi"),
	}

	args := make([]string, 0, 2*len(includes)+2)
	for _, inc := range includes {
		args = append(args, "-I", inc)
	}
	args = append(args, "-include", filepath.Join(root, "include", "linux", "kconfig.h"))
	return args, nil
}

func kernelArch(goarch string) (string, error) {
	switch goarch {
	case "amd64", "386":
		return "x86", nil
	case "arm64":
		return "arm64", nil
	case "arm":
		return "arm", nil
	case "ppc64le":
		return "powerpc", nil
	default:
		return "", fmt.Errorf("buildcache: no kernel header layout for %s", goarch)
	}
}
