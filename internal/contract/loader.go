package contract

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"warden/internal/logging"
	"warden/internal/reason"
)

// Resolver is the read side the failure-mode evaluator depends on.
type Resolver interface {
	Resolve(capability string) (*Contract, error)
}

type cacheEntry struct {
	contract *Contract
	err      error
}

// Loader resolves capability names against a directory of contract files.
// Results are cached until Invalidate is called (see Watcher).
type Loader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// gen counts invalidations; a resolution started under an older
	// generation is returned but not cached.
	gen uint64

	// resolved, when set, runs between reading the files and caching.
	resolved func(capability string)
}

// NewLoader creates a loader over dir. The directory need not exist yet.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: make(map[string]cacheEntry)}
}

// Dir returns the watched contract directory.
func (l *Loader) Dir() string { return l.dir }

// Invalidate drops every cached resolution.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]cacheEntry)
	l.gen++
	l.mu.Unlock()
	logging.ContractsDebug("contract cache invalidated")
}

// Resolve finds exactly one contract for capability. Candidates are
// <dir>/<capability>.yaml, <dir>/<capability>.yml and any other contract file
// whose capability field names it. Zero candidates is CAPABILITY_MISSING,
// more than one is CAPABILITY_AMBIGUOUS.
func (l *Loader) Resolve(capability string) (*Contract, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return nil, reason.New(reason.CapabilityMissing, "no capability named")
	}

	l.mu.RLock()
	if e, ok := l.cache[capability]; ok {
		l.mu.RUnlock()
		return e.contract, e.err
	}
	gen := l.gen
	l.mu.RUnlock()

	c, err := l.resolve(capability)
	if l.resolved != nil {
		l.resolved(capability)
	}

	l.mu.Lock()
	if l.gen == gen {
		l.cache[capability] = cacheEntry{contract: c, err: err}
	} else {
		logging.ContractsDebug("contracts changed while resolving %s; result not cached", capability)
	}
	l.mu.Unlock()
	return c, err
}

func (l *Loader) resolve(capability string) (*Contract, error) {
	files, err := contractFiles(l.dir)
	if err != nil {
		return nil, reason.Wrap(reason.CapabilityMissing, err, "list contracts in %s", l.dir)
	}

	var candidates []string
	for _, path := range files {
		if baseName(path) == capability || declaredCapability(path) == capability {
			candidates = append(candidates, path)
		}
	}

	switch len(candidates) {
	case 0:
		logging.ContractsDebug("no contract for %s", capability)
		return nil, reason.New(reason.CapabilityMissing, "no contract for capability %q", capability)
	case 1:
	default:
		logging.ContractsWarn("ambiguous contract for %s: %v", capability, candidates)
		return nil, reason.New(reason.CapabilityAmbiguous, "capability %q matched %d contracts: %s",
			capability, len(candidates), strings.Join(candidates, ", "))
	}

	c, err := loadFile(candidates[0])
	if err != nil {
		logging.ContractsWarn("contract %s rejected: %v", candidates[0], err)
		return nil, err
	}
	if c.Capability != capability {
		return nil, reason.New(reason.CapabilityInvalid, "%s declares capability %q, expected %q",
			candidates[0], c.Capability, capability)
	}
	return c, nil
}

// CatalogEntry is one contract file and its validation result.
type CatalogEntry struct {
	Path     string
	Contract *Contract
	Err      error
}

// Catalog loads every contract file concurrently and returns one entry per
// file sorted by path. Capabilities declared by more than one file are
// reported as CAPABILITY_AMBIGUOUS on every file involved.
func (l *Loader) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	timer := logging.StartTimer(logging.CategoryContracts, "Catalog")
	defer timer.Stop()

	files, err := contractFiles(l.dir)
	if err != nil {
		return nil, err
	}

	entries := make([]CatalogEntry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := loadFile(path)
			entries[i] = CatalogEntry{Path: path, Contract: c, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	owners := make(map[string][]int)
	for i, e := range entries {
		if e.Contract != nil {
			owners[e.Contract.Capability] = append(owners[e.Contract.Capability], i)
		}
	}
	for capability, idx := range owners {
		if len(idx) < 2 {
			continue
		}
		for _, i := range idx {
			entries[i].Err = reason.New(reason.CapabilityAmbiguous, "capability %q declared by %d files", capability, len(idx))
			entries[i].Contract = nil
		}
	}

	logging.Contracts("catalog loaded %d contract files from %s", len(entries), l.dir)
	return entries, nil
}

func loadFile(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, reason.Wrap(reason.CapabilityInvalid, err, "read %s", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.Source = path
	return c, nil
}

// declaredCapability reads only the capability field, tolerating otherwise
// malformed files. It returns "" when the field cannot be read.
func declaredCapability(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var head struct {
		Capability string `yaml:"capability"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return ""
	}
	return strings.TrimSpace(head.Capability)
}

func contractFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isContractFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func isContractFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
