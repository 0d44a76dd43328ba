package modkernel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/modkernel/registry"
)

// DumpFlagFile is written to the state directory after every introspection
// or dump, listing the files produced.
const DumpFlagFile = ".dumped"

const (
	reportFile       = "introspection.yaml"
	dumpTimestampFmt = "20060102-150405"
)

var dumpNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// profileActions maps dump actions to runtime profiles and their pprof debug
// level. Goroutine stacks are written as text, the rest as compressed protobuf.
var profileActions = map[string]int{
	"goroutine":    2,
	"heap":         0,
	"allocs":       0,
	"block":        0,
	"mutex":        0,
	"threadcreate": 0,
}

// IntrospectionReport is the YAML document written by Introspect.
type IntrospectionReport struct {
	Server        string           `yaml:"server"`
	Timestamp     time.Time        `yaml:"timestamp"`
	Identity      ProcessIdentity  `yaml:"identity"`
	RegistryState string           `yaml:"registryState"`
	StartLevel    int              `yaml:"startLevel"`
	Goroutines    int              `yaml:"goroutines"`
	Modules       []ModuleReport   `yaml:"modules"`
	Services      []ServiceReport  `yaml:"services"`
	Pausable      []PausableReport `yaml:"pausable,omitempty"`
}

// ModuleReport describes one installed module.
type ModuleReport struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	State      string `yaml:"state"`
	StartLevel int    `yaml:"startLevel"`
	Fragment   bool   `yaml:"fragment,omitempty"`
	Location   string `yaml:"location"`
}

// ServiceReport describes one registered service.
type ServiceReport struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// PausableReport describes one pausable component.
type PausableReport struct {
	Name   string `yaml:"name"`
	Paused bool   `yaml:"paused"`
}

// DumpResult lists what a dump produced.
type DumpResult struct {
	Dir   string   `yaml:"dir"`
	Files []string `yaml:"files"`
}

// Introspector writes introspection reports and runtime profiles under the
// kernel state directory. Calls are serialized.
type Introspector struct {
	server   string
	stateDir string
	registry registry.ModuleRegistry
	pause    *PauseController
	identity func() ProcessIdentity
	logger   Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewIntrospector creates an Introspector. pause and identity may be nil.
func NewIntrospector(server, stateDir string, reg registry.ModuleRegistry, pause *PauseController, identity func() ProcessIdentity, logger Logger) *Introspector {
	if logger == nil {
		logger = nopLogger{}
	}
	if identity == nil {
		identity = func() ProcessIdentity { return ProcessIdentity{} }
	}
	return &Introspector{
		server:   server,
		stateDir: stateDir,
		registry: reg,
		pause:    pause,
		identity: identity,
		logger:   logger,
		now:      time.Now,
	}
}

// Report builds the current introspection report.
func (in *Introspector) Report() IntrospectionReport {
	report := IntrospectionReport{
		Server:        in.server,
		Timestamp:     in.now(),
		Identity:      in.identity(),
		RegistryState: in.registry.State().String(),
		StartLevel:    in.registry.StartLevel(),
		Goroutines:    runtime.NumGoroutine(),
	}
	for _, m := range in.registry.Modules() {
		report.Modules = append(report.Modules, ModuleReport{
			ID:         m.ID(),
			Name:       m.SymbolicName(),
			Version:    m.Version(),
			State:      m.State().String(),
			StartLevel: m.StartLevel(),
			Fragment:   m.IsFragment(),
			Location:   m.Location(),
		})
	}
	services := in.registry.Services()
	for _, name := range services.Names() {
		svc, ok := services.Get(name)
		if !ok {
			continue
		}
		report.Services = append(report.Services, ServiceReport{Name: name, Type: fmt.Sprintf("%T", svc)})
	}
	if in.pause != nil {
		for _, pc := range in.pause.snapshot() {
			report.Pausable = append(report.Pausable, PausableReport{Name: pc.Name(), Paused: pc.IsPaused()})
		}
		sort.Slice(report.Pausable, func(i, j int) bool { return report.Pausable[i].Name < report.Pausable[j].Name })
	}
	return report
}

// Introspect writes the report and the requested profiles to
// <stateDir>/dump_<name>. An empty name uses the current time.
func (in *Introspector) Introspect(ctx context.Context, name string, actions []string) (DumpResult, error) {
	return in.write(ctx, name, actions, true)
}

// Dump writes the requested profiles, goroutine stacks by default, to a new
// timestamped dump directory.
func (in *Introspector) Dump(ctx context.Context, actions []string) (DumpResult, error) {
	if len(actions) == 0 {
		actions = []string{"goroutine"}
	}
	return in.write(ctx, "", actions, false)
}

func (in *Introspector) write(ctx context.Context, name string, actions []string, withReport bool) (DumpResult, error) {
	if name == "" {
		name = in.now().Format(dumpTimestampFmt)
	}
	if !dumpNamePattern.MatchString(name) {
		return DumpResult{}, fmt.Errorf("%w: %q", ErrInvalidDumpName, name)
	}
	for _, action := range actions {
		if _, ok := profileActions[action]; !ok {
			return DumpResult{}, fmt.Errorf("%w: %q", ErrUnknownDumpAction, action)
		}
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	dir := filepath.Join(in.stateDir, "dump_"+name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return DumpResult{}, fmt.Errorf("creating dump directory: %w", err)
	}
	result := DumpResult{Dir: dir}

	if withReport {
		data, err := yaml.Marshal(in.Report())
		if err != nil {
			return result, fmt.Errorf("encoding introspection report: %w", err)
		}
		path := filepath.Join(dir, reportFile)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return result, fmt.Errorf("writing introspection report: %w", err)
		}
		result.Files = append(result.Files, path)
	}

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		path, err := writeProfile(dir, action)
		if err != nil {
			return result, err
		}
		result.Files = append(result.Files, path)
	}

	if err := in.writeFlag(result); err != nil {
		return result, err
	}
	in.logger.Info("Dump written", "dir", dir, "files", len(result.Files))
	return result, nil
}

func writeProfile(dir, action string) (string, error) {
	profile := pprof.Lookup(action)
	if profile == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownDumpAction, action)
	}
	debug := profileActions[action]
	ext := ".pb.gz"
	if debug > 0 {
		ext = ".txt"
	}

	var buf bytes.Buffer
	if err := profile.WriteTo(&buf, debug); err != nil {
		return "", fmt.Errorf("writing %s profile: %w", action, err)
	}
	path := filepath.Join(dir, action+ext)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("writing %s profile: %w", action, err)
	}
	return path, nil
}

func (in *Introspector) writeFlag(result DumpResult) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding dump flag: %w", err)
	}
	if err := os.WriteFile(filepath.Join(in.stateDir, DumpFlagFile), data, 0o600); err != nil {
		return fmt.Errorf("writing dump flag: %w", err)
	}
	return nil
}
