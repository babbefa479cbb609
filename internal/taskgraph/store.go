package taskgraph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"warden/internal/logging"
	"warden/internal/traceid"
)

const fileSuffix = ".yaml"

// document is the on-disk shape of one trace's graph.
type document struct {
	TraceID string     `yaml:"trace_id"`
	Tasks   []TaskNode `yaml:"tasks"`
}

// FileStore persists one YAML document per trace under Dir. Each Save fully
// rewrites the document via a temp file and rename.
type FileStore struct {
	Dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Path returns the document path for traceID.
func (s *FileStore) Path(traceID string) (string, error) {
	return traceid.Path(s.Dir, traceID, fileSuffix)
}

// Save validates g and writes it atomically.
func (s *FileStore) Save(g *Graph) error {
	path, err := s.Path(g.TraceID())
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid graph: %w", err)
	}

	tasks := g.Tasks()
	data, err := yaml.Marshal(document{TraceID: g.TraceID(), Tasks: tasks})
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("create graph dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+g.TraceID()+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp graph file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write graph: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync graph: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close graph: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace graph: %w", err)
	}
	logging.TasksDebug("saved graph %s (%d tasks) to %s", g.TraceID(), len(tasks), filepath.Base(path))
	return nil
}

// Load reads the graph for traceID. A missing document yields an empty graph.
func (s *FileStore) Load(traceID string, opts ...Option) (*Graph, error) {
	path, err := s.Path(traceID)
	if err != nil {
		return nil, err
	}
	g := New(traceID, opts...)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return g, nil
		}
		return nil, fmt.Errorf("read graph: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", path, err)
	}
	if doc.TraceID != "" && doc.TraceID != traceID {
		return nil, fmt.Errorf("graph file %s belongs to trace %q", path, doc.TraceID)
	}
	for _, t := range doc.Tasks {
		if err := g.insert(t); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("graph %s: %w", traceID, err)
	}
	logging.TasksDebug("loaded graph %s (%d tasks)", traceID, len(doc.Tasks))
	return g, nil
}
