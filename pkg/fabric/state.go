package fabric

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// AppliedState records which plan was last installed on each node.
type AppliedState struct {
	Nodes map[string]*AppliedNode `yaml:"nodes"`
}

// AppliedNode is one node's last successful install.
type AppliedNode struct {
	PlanID    string    `yaml:"planId"`
	Routes    int       `yaml:"routes"`
	AppliedAt time.Time `yaml:"appliedAt"`
}

// NewAppliedState returns an empty initialized state.
func NewAppliedState() *AppliedState {
	return &AppliedState{Nodes: make(map[string]*AppliedNode)}
}

// stateStore handles loading and saving AppliedState to a YAML file. An
// empty path keeps the state in memory only.
type stateStore struct {
	mu   sync.RWMutex
	path string
	data *AppliedState
}

func newStateStore(path string) *stateStore {
	return &stateStore{
		path: path,
		data: NewAppliedState(),
	}
}

// load reads the state file. A missing file is an empty state.
func (s *stateStore) load() error {
	if s.path == "" {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var state AppliedState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parsing applied state: %w", err)
	}
	if state.Nodes == nil {
		state.Nodes = make(map[string]*AppliedNode)
	}

	s.mu.Lock()
	s.data = &state
	s.mu.Unlock()
	return nil
}

func (s *stateStore) save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	raw, err := yaml.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling applied state: %w", err)
	}

	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("writing applied state to %s: %w", s.path, err)
	}
	return nil
}

func (s *stateStore) node(name string) (AppliedNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.data.Nodes[name]
	if !ok {
		return AppliedNode{}, false
	}
	return *n, true
}

func (s *stateStore) setNode(name string, n AppliedNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Nodes[name] = &n
}
