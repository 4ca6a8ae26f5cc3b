package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// New creates a fresh project at path. The directory must not exist yet.
// name defaults to the last path element.
func New(path, name string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("scaffold: destination %s already exists", path)
	}
	if name == "" {
		name = filepath.Base(path)
	}

	if err := os.MkdirAll(filepath.Join(path, "src"), 0o755); err != nil {
		return fmt.Errorf("scaffold: create project tree: %w", err)
	}

	m := &Manifest{Name: name}
	return m.Save(path)
}

// Add registers a new program in the project at dir and writes a starter
// source file for it under src/<name>/. The name must be a single path
// element; anything that could escape the project tree is rejected.
func Add(dir, name string) error {
	if !validProgramName(name) {
		return fmt.Errorf("scaffold: invalid program name %q", name)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		return err
	}

	if _, exists := m.Program(name); exists {
		return fmt.Errorf("scaffold: a program named %q already exists", name)
	}

	srcRel := filepath.Join("src", name, "main.c")
	srcDir := filepath.Join(dir, "src", name)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("scaffold: create program dir: %w", err)
	}

	src := fmt.Sprintf(programTemplate, name)
	if err := os.WriteFile(filepath.Join(dir, srcRel), []byte(src), 0o644); err != nil {
		return fmt.Errorf("scaffold: write program source: %w", err)
	}

	m.Programs = append(m.Programs, Program{Name: name, Source: srcRel})
	return m.Save(dir)
}

func validProgramName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return name == filepath.Clean(name)
}

// programTemplate is the starter source for a new program. It emits one
// event per execve through the "events" perf array, which is the map name
// the loader looks for by default.
const programTemplate = `// %s: kernel side.
#include <linux/types.h>
#include <linux/bpf.h>
#include <linux/ptrace.h>
#include <bpf/bpf_helpers.h>

char LICENSE[] SEC("license") = "GPL";

struct {
	__uint(type, BPF_MAP_TYPE_PERF_EVENT_ARRAY);
	__uint(key_size, sizeof(__u32));
	__uint(value_size, sizeof(__u32));
} events SEC(".maps");

// Shared with user space; keep field order and sizes stable.
struct event {
	__u64 pid_tgid;
	__u64 ktime_ns;
};

SEC("kprobe/sys_execve")
int trace_execve(struct pt_regs *ctx)
{
	struct event ev = {};

	ev.pid_tgid = bpf_get_current_pid_tgid();
	ev.ktime_ns = bpf_ktime_get_ns();
	bpf_perf_event_output(ctx, &events, BPF_F_CURRENT_CPU, &ev, sizeof(ev));
	return 0;
}
`
