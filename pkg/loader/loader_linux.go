//go:build linux

package loader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/saworbit/ringtap/pkg/config"
)

// Collection is a loaded BPF object together with the hooks its programs
// are attached to.
type Collection struct {
	cfg   *config.LoaderConfig
	spec  *ebpf.CollectionSpec
	coll  *ebpf.Collection
	links []link.Link
}

// Load reads the object file at path, resolves BTF if the running kernel
// needs it, and verifies and loads every program and map it contains.
// Programs are not attached yet; call Attach.
func Load(ctx context.Context, path string, cfg *config.LoaderConfig) (*Collection, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("loader: raise memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loader: parse object %s: %w", path, err)
	}

	var opts ebpf.CollectionOptions
	if res := newBTFResolver(cfg.BTF); res != nil {
		btfSpec, source, err := res.resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader: resolve BTF: %w", err)
		}
		if source != "" {
			log.Printf("[Loader] Using BTF from %s", source)
		}
		opts.Programs = ebpf.ProgramOptions{KernelTypes: btfSpec}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return nil, fmt.Errorf("loader: load object %s: %w", path, err)
	}

	return &Collection{cfg: cfg, spec: spec, coll: coll}, nil
}

// Programs lists the programs in the object, sorted by name.
func (c *Collection) Programs() []ProgramInfo {
	infos := make([]ProgramInfo, 0, len(c.spec.Programs))
	for name, ps := range c.spec.Programs {
		infos = append(infos, ProgramInfo{Name: name, Section: ps.SectionName})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Attach hooks every program into the kernel location its section name
// declares. The section prefix picks the attach mechanism:
//
//	kprobe/SYMBOL
//	kretprobe/SYMBOL
//	tracepoint/CATEGORY/NAME
//
// A single failure detaches everything attached so far.
func (c *Collection) Attach() error {
	for name, ps := range c.spec.Programs {
		prog := c.coll.Programs[name]
		if prog == nil {
			continue
		}

		l, err := attachBySection(ps.SectionName, prog)
		if err != nil {
			c.detach()
			return fmt.Errorf("loader: attach %s (%s): %w", name, ps.SectionName, err)
		}
		c.links = append(c.links, l)
		log.Printf("[Loader] Attached %s at %s", name, ps.SectionName)
	}
	return nil
}

func attachBySection(section string, prog *ebpf.Program) (link.Link, error) {
	kind, target, ok := strings.Cut(section, "/")
	if !ok {
		return nil, fmt.Errorf("section %q does not name an attach point", section)
	}

	switch kind {
	case "kprobe":
		return link.Kprobe(target, prog, nil)
	case "kretprobe":
		return link.Kretprobe(target, prog, nil)
	case "tracepoint":
		category, tpName, ok := strings.Cut(target, "/")
		if !ok {
			return nil, fmt.Errorf("tracepoint section %q needs category/name", section)
		}
		return link.Tracepoint(category, tpName, prog, nil)
	default:
		return nil, fmt.Errorf("unsupported section kind %q", kind)
	}
}

// EventsMap returns the perf event array kernel programs stream through:
// the configured map name if the object has it, otherwise the only perf
// event array present.
func (c *Collection) EventsMap() (*ebpf.Map, error) {
	if m, ok := c.coll.Maps[c.cfg.EventsMap]; ok && m.Type() == ebpf.PerfEventArray {
		return m, nil
	}

	var found *ebpf.Map
	for _, m := range c.coll.Maps {
		if m.Type() != ebpf.PerfEventArray {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("loader: several perf event arrays, none named %q", c.cfg.EventsMap)
		}
		found = m
	}
	if found == nil {
		return nil, ErrNoEventsMap
	}
	return found, nil
}

// Close detaches every program and releases the loaded object. Safe to
// call more than once.
func (c *Collection) Close() error {
	var errs []error
	errs = append(errs, c.detach())
	if c.coll != nil {
		c.coll.Close()
		c.coll = nil
	}
	return errors.Join(errs...)
}

func (c *Collection) detach() error {
	var errs []error
	for _, l := range c.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.links = nil
	return errors.Join(errs...)
}
