//go:build linux

package loader

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cilium/ebpf/btf"
	"github.com/ulikunitz/xz"

	"github.com/saworbit/ringtap/pkg/config"
)

const (
	vmlinuxBTF    = "/sys/kernel/btf/vmlinux"
	kernelRelease = "/proc/sys/kernel/osrelease"
	osRelease     = "/etc/os-release"
	defaultHub    = "https://github.com/aquasecurity/btfhub-archive/raw/main"
)

// btfResolver finds a BTF spec for the running kernel: the one the kernel
// exposes itself, a previously cached copy, or a BTFHub download.
type btfResolver struct {
	cacheDir string
	download bool
	hub      string
	client   *http.Client
}

func newBTFResolver(cfg config.BTFConfig) *btfResolver {
	dir := cfg.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "ringtap", "btf")
	}

	hub := strings.TrimSuffix(cfg.HubMirror, "/")
	if hub == "" {
		hub = defaultHub
	}

	return &btfResolver{
		cacheDir: dir,
		download: cfg.AllowDownload,
		hub:      hub,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// resolve returns the spec and the path it came from.
func (r *btfResolver) resolve(ctx context.Context) (*btf.Spec, string, error) {
	if spec, err := btf.LoadSpec(vmlinuxBTF); err == nil {
		return spec, vmlinuxBTF, nil
	}

	target, err := describeKernel()
	if err != nil {
		return nil, "", err
	}

	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create BTF cache dir: %w", err)
	}

	cached := filepath.Join(r.cacheDir, target.release+".btf")
	if _, err := os.Stat(cached); err == nil {
		spec, err := btf.LoadSpec(cached)
		return spec, cached, err
	}

	if !r.download {
		return nil, "", fmt.Errorf("kernel has no embedded BTF and downloads are disabled (cache miss at %s)", cached)
	}

	if err := r.fetch(ctx, target, cached); err != nil {
		return nil, "", err
	}

	spec, err := btf.LoadSpec(cached)
	return spec, cached, err
}

// fetch downloads the BTFHub archive for the kernel and unpacks the .btf
// file it contains into dest.
func (r *btfResolver) fetch(ctx context.Context, target kernelTarget, dest string) error {
	url := hubArchiveURL(r.hub, target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build BTFHub request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: %s", url, resp.Status)
	}

	return unpackBTF(resp.Body, dest)
}

// unpackBTF streams an xz-compressed tar and writes the first .btf member
// to dest via a temp file, so a partial download never poisons the cache.
func unpackBTF(archive io.Reader, dest string) error {
	xzr, err := xz.NewReader(archive)
	if err != nil {
		return fmt.Errorf("open xz stream: %w", err)
	}

	tr := tar.NewReader(xzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("archive holds no .btf file")
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".btf") {
			continue
		}

		tmp, err := os.CreateTemp(filepath.Dir(dest), ".btf-*")
		if err != nil {
			return fmt.Errorf("create temp BTF: %w", err)
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write cached BTF: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("close cached BTF: %w", err)
		}
		return os.Rename(tmp.Name(), dest)
	}
}

// kernelTarget identifies a kernel in the BTFHub directory layout.
type kernelTarget struct {
	distro  string
	version string
	arch    string
	release string
}

func describeKernel() (kernelTarget, error) {
	raw, err := os.ReadFile(kernelRelease)
	if err != nil {
		return kernelTarget{}, fmt.Errorf("read kernel release: %w", err)
	}

	arch, err := hubArch(runtime.GOARCH)
	if err != nil {
		return kernelTarget{}, err
	}

	distro, version := readOSRelease()
	return kernelTarget{
		distro:  distro,
		version: version,
		arch:    arch,
		release: strings.TrimSpace(string(raw)),
	}, nil
}

// readOSRelease pulls ID and VERSION_ID from /etc/os-release, falling
// back to "unknown" when the file is missing or does not set them.
func readOSRelease() (distro, version string) {
	distro, version = "unknown", "unknown"

	data, err := os.ReadFile(osRelease)
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		val = strings.ToLower(strings.Trim(val, `"`))
		switch key {
		case "ID":
			distro = val
		case "VERSION_ID":
			version = val
		}
	}
	return
}

func hubArch(goarch string) (string, error) {
	switch goarch {
	case "amd64":
		return "x86_64", nil
	case "arm64":
		return "arm64", nil
	case "ppc64le":
		return "ppc64le", nil
	default:
		return "", fmt.Errorf("no BTFHub archives for %s", goarch)
	}
}

func hubArchiveURL(base string, t kernelTarget) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.btf.tar.xz", base, t.distro, t.version, t.arch, t.release)
}
