package main

import (
	"fmt"
	"net/http"

	"github.com/vk/taskgrid/internal/compute"
	"github.com/vk/taskgrid/internal/proc"
	"github.com/vk/taskgrid/internal/runconfig"
)

// buildRun constructs a compute.Run with a standard processor registry
// (process, thread, httpproc) and registers every processor named in cfg.
// Processors with a Count > 1 are expanded into id-0..id-(count-1).
func buildRun(cfg *runconfig.Config) (*compute.Run, error) {
	registry := proc.NewRegistry()
	registry.Register(proc.KindProcess, proc.NewProcessVTable())
	registry.Register(proc.KindThread, proc.NewThreadVTable())
	registry.Register(proc.KindHTTP, proc.NewHTTPVTable(&http.Client{}, 0))

	run := compute.New(registry)

	for name, spec := range cfg.Processors {
		kind := proc.Kind(spec.Kind)
		count := spec.Count
		if count <= 0 {
			count = 1
		}
		procs := make([]proc.Processor, 0, count)
		for i := 0; i < count; i++ {
			id := spec.ID
			if id == "" {
				id = name
			}
			if count > 1 {
				id = fmt.Sprintf("%s-%d", id, i)
			}
			procs = append(procs, proc.Processor{KindTag: kind, IDStr: id})
		}
		if err := run.AddProcs(spec.Parent, procs); err != nil {
			return nil, fmt.Errorf("registering processor group %q: %w", name, err)
		}
	}

	return run, nil
}
