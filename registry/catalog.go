package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Activator runs a module's startup and shutdown logic.
type Activator interface {
	Start(ctx context.Context, services ServiceRegistry) error
	Stop(ctx context.Context) error
}

// ActivatorFuncs adapts a pair of functions to Activator. Either may be nil.
type ActivatorFuncs struct {
	OnStart func(ctx context.Context, services ServiceRegistry) error
	OnStop  func(ctx context.Context) error
}

func (a ActivatorFuncs) Start(ctx context.Context, services ServiceRegistry) error {
	if a.OnStart == nil {
		return nil
	}
	return a.OnStart(ctx, services)
}

func (a ActivatorFuncs) Stop(ctx context.Context) error {
	if a.OnStop == nil {
		return nil
	}
	return a.OnStop(ctx)
}

// Artifact is an installable module known to a Catalog.
type Artifact struct {
	SymbolicName string
	Version      string
	Fragment     bool
	Activation   ActivationPolicy
	Activator    Activator
	// Location overrides the default "catalog:<name>@<version>" location.
	Location string
}

// ArtifactLocation returns the location the artifact is installed from.
func (a Artifact) ArtifactLocation() string {
	if a.Location != "" {
		return a.Location
	}
	return fmt.Sprintf("catalog:%s@%s", a.SymbolicName, a.Version)
}

// Catalog is the set of artifacts a Memory registry can install.
type Catalog struct {
	mu         sync.RWMutex
	byName     map[string][]Artifact
	byLocation map[string]Artifact
}

// NewCatalog creates a catalog holding artifacts.
func NewCatalog(artifacts ...Artifact) (*Catalog, error) {
	c := &Catalog{
		byName:     make(map[string][]Artifact),
		byLocation: make(map[string]Artifact),
	}
	for _, a := range artifacts {
		if err := c.Add(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers an artifact.
func (c *Catalog) Add(a Artifact) error {
	if a.SymbolicName == "" {
		return ErrArtifactMissingName
	}
	if a.Version == "" {
		a.Version = "0.0.0"
	}
	if _, err := canonicalVersion(a.Version); err != nil {
		return fmt.Errorf("artifact %s: %w", a.SymbolicName, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loc := a.ArtifactLocation()
	if _, exists := c.byLocation[loc]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateArtifact, loc)
	}
	c.byLocation[loc] = a
	versions := append(c.byName[a.SymbolicName], a)
	sort.SliceStable(versions, func(i, j int) bool {
		return compareVersions(versions[i].Version, versions[j].Version) > 0
	})
	c.byName[a.SymbolicName] = versions
	return nil
}

// Lookup returns the artifact installed from location.
func (c *Catalog) Lookup(location string) (Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byLocation[location]
	return a, ok
}

// Best returns the highest version of name that lies in versionRange.
func (c *Catalog) Best(name, versionRange string) (Artifact, error) {
	vr, err := ParseVersionRange(versionRange)
	if err != nil {
		return Artifact{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.byName[name] {
		if vr.Includes(a.Version) {
			return a, nil
		}
	}
	return Artifact{}, fmt.Errorf("%w: %s;version=%s", ErrArtifactNotFound, name, versionRange)
}
