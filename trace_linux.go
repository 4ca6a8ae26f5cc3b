//go:build linux

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/saworbit/ringtap/internal/metrics"
	"github.com/saworbit/ringtap/pkg/buildcache"
	"github.com/saworbit/ringtap/pkg/config"
	"github.com/saworbit/ringtap/pkg/loader"
	"github.com/saworbit/ringtap/pkg/perf"
	"github.com/saworbit/ringtap/pkg/scaffold"
)

func runLoad(objPath string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coll, err := loader.Load(ctx, objPath, &cfg.Loader)
	if err != nil {
		return err
	}
	defer coll.Close()

	if err := coll.Attach(); err != nil {
		return err
	}

	eventsMap, err := coll.EventsMap()
	if err != nil {
		return err
	}

	reader, err := perf.OpenPerCPUReader(&cfg.Perf, eventsMap)
	if err != nil {
		return err
	}
	defer reader.Close()

	if cfg.MetricsAddr != "" {
		go func() {
			logger := log.New(os.Stderr, "[Metrics] ", log.LstdFlags)
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				log.Printf("[Metrics] server stopped: %v", err)
			}
		}()
	}
	metrics.SetUp(true)
	defer metrics.SetUp(false)

	runErr := make(chan error, 1)
	go func() {
		runErr <- reader.Run(ctx)
	}()

	log.Printf("[Trace] Streaming events from %s, Ctrl-C to stop", objPath)
	for event := range reader.Events() {
		switch event.Kind {
		case perf.EventSample:
			payload := event.SampleData()
			if payload == nil {
				payload = event.Raw
			}
			metrics.ObserveEvent(event.CPU, event.Kind.String(), len(payload))
			fmt.Printf("cpu=%d len=%d\n%s", event.CPU, len(payload), hex.Dump(payload))
		case perf.EventLost:
			metrics.ObserveLost(event.CPU, event.LostCount)
			log.Printf("[Trace] cpu %d: kernel dropped %d records", event.CPU, event.LostCount)
		case perf.EventUnknown:
			metrics.ObserveEvent(event.CPU, event.Kind.String(), len(event.Raw))
		}
	}

	err = <-runErr
	lost, unknown := reader.Stats()
	log.Printf("[Trace] Done: %d records dropped by the kernel, %d unrecognized", lost, unknown)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runTrace(projectDir, program string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	m, err := scaffold.LoadManifest(projectDir)
	if err != nil {
		return err
	}
	sources, err := m.Sources(projectDir, program)
	if err != nil {
		return err
	}

	store, err := openStore(projectDir, &cfg.Build)
	if err != nil {
		return err
	}

	obj := objectPath(projectDir, program)
	builder := buildcache.NewBuilder(&cfg.Build, store)
	if err := builder.Build(context.Background(), program, sources, obj); err != nil {
		store.Close()
		return err
	}
	// Release the cache before the long-running load.
	if err := store.Close(); err != nil {
		return err
	}

	return runLoad(obj)
}
