package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/musterhq/muster/pkg/types"
)

var (
	// ErrUnknownEngine is returned when a task names an engine that is not
	// in the catalog
	ErrUnknownEngine = errors.New("unknown engine")

	// ErrMissingInput is returned when a submitted task lacks the content of
	// a declared input file
	ErrMissingInput = errors.New("missing input file")
)

// ncpusFallback reads the host CPU count when a node's ncpus column is null
const ncpusFallback = "`grep -c ^processor /proc/cpuinfo`"

// Registry is the immutable catalog of compute engines, loaded once at daemon
// start
type Registry struct {
	engines  map[string]types.Engine
	checkCmd string
}

// NewRegistry builds a registry from the configured engine descriptors. It
// rejects an empty catalog, descriptors with missing fields, and run markers
// that collide with each other (a marker contained in another engine's marker
// would make the aggregate probe ambiguous).
func NewRegistry(engines []types.Engine) (*Registry, error) {
	if len(engines) == 0 {
		return nil, errors.New("no engines configured")
	}

	byName := make(map[string]types.Engine, len(engines))
	for _, eng := range engines {
		if eng.Name == "" {
			return nil, errors.New("engine with empty name")
		}
		if _, dup := byName[eng.Name]; dup {
			return nil, fmt.Errorf("engine %s declared twice", eng.Name)
		}
		if eng.Spawn == "" {
			return nil, fmt.Errorf("engine %s: spawn command is required", eng.Name)
		}
		if eng.RunMarker == "" {
			return nil, fmt.Errorf("engine %s: run_marker is required", eng.Name)
		}
		if eng.CheckCmd == "" {
			return nil, fmt.Errorf("engine %s: check_cmd is required", eng.Name)
		}
		byName[eng.Name] = eng
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, a := range names {
		for _, b := range names {
			if a != b && strings.Contains(byName[a].RunMarker, byName[b].RunMarker) {
				return nil, fmt.Errorf("run marker of engine %s contains marker of engine %s", a, b)
			}
		}
	}

	// The aggregate probe is a single round-trip: every engine's check_cmd
	// chained so one command's stdout carries all markers.
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, byName[name].CheckCmd)
	}

	return &Registry{
		engines:  byName,
		checkCmd: strings.Join(parts, "; "),
	}, nil
}

// Engines returns the catalog keyed by engine name
func (r *Registry) Engines() map[string]types.Engine {
	return r.engines
}

// Names returns the engine names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks up an engine descriptor by name
func (r *Registry) Get(name string) (types.Engine, bool) {
	eng, ok := r.engines[name]
	return eng, ok
}

// AggregateCheckCmd returns the single probe command whose output contains an
// engine's run marker iff that engine is currently running on the host
func (r *Registry) AggregateCheckCmd() string {
	return r.checkCmd
}

// RunningEngine scans probe output for run markers and returns the name of the
// first engine found running
func (r *Registry) RunningEngine(probeOutput string) (string, bool) {
	for _, name := range r.Names() {
		if strings.Contains(probeOutput, r.engines[name].RunMarker) {
			return name, true
		}
	}
	return "", false
}

// ValidateSubmission checks that the engine exists and that the metadata
// carries the content of every input file the engine declares
func (r *Registry) ValidateSubmission(engineName string, metadata map[string]string) error {
	eng, ok := r.engines[engineName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, engineName)
	}
	for _, inputFile := range eng.InputFiles {
		if _, ok := metadata[inputFile]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingInput, inputFile)
		}
	}
	return nil
}

// SpawnCommand renders the engine's spawn template for a staged task folder.
// A zero ncpus substitutes a shell expression that reads the host CPU count.
func SpawnCommand(eng types.Engine, path string, ncpus int) string {
	cpus := ncpusFallback
	if ncpus > 0 {
		cpus = fmt.Sprintf("%d", ncpus)
	}
	cmd := strings.ReplaceAll(eng.Spawn, "{path}", path)
	return strings.ReplaceAll(cmd, "{ncpus}", cpus)
}
