// ABOUTME: Identity directory contract resolving signers to institution and role
// ABOUTME: Includes a YAML-backed static directory and a retrying adapter

package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nainya/custody/pkg/retry"
)

var (
	// ErrUnknownIdentity indicates the directory has no entry for the identity
	ErrUnknownIdentity = errors.New("directory: unknown identity")

	// ErrUnavailable indicates the directory could not be reached
	ErrUnavailable = errors.New("directory: unavailable")
)

// Entry holds the public directory fields of an identity
type Entry struct {
	Identity    string `yaml:"identity"`
	Institution string `yaml:"institution"`
	Role        string `yaml:"role"`
}

// Directory resolves identities
type Directory interface {
	Resolve(ctx context.Context, identity string) (Entry, error)
}

// Static is an in-memory directory, usually loaded from YAML
type Static struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStatic creates a directory holding entries
func NewStatic(entries ...Entry) *Static {
	s := &Static{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		s.Put(e)
	}
	return s
}

func canonical(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Put adds or replaces an entry
func (s *Static) Put(e Entry) {
	e.Identity = canonical(e.Identity)
	s.mu.Lock()
	s.entries[e.Identity] = e
	s.mu.Unlock()
}

// Resolve returns the entry for identity
func (s *Static) Resolve(ctx context.Context, identity string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[canonical(identity)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return e, nil
}

// Len returns the number of entries
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Open accepts every non-empty identity without institution or role. It
// serves deployments that run without a directory file.
type Open struct{}

// Resolve returns a bare entry for identity
func (Open) Resolve(ctx context.Context, identity string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	id := canonical(identity)
	if id == "" {
		return Entry{}, fmt.Errorf("%w: empty identity", ErrUnknownIdentity)
	}
	return Entry{Identity: id}, nil
}

// file is the YAML layout of a directory file
type file struct {
	Identities []Entry `yaml:"identities"`
}

// LoadFile reads a YAML directory file
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}

	s := NewStatic()
	for i, e := range f.Identities {
		if canonical(e.Identity) == "" {
			return nil, fmt.Errorf("directory entry %d has no identity", i)
		}
		s.Put(e)
	}
	return s, nil
}

// Retrying wraps a Directory with a bounded retry policy
type Retrying struct {
	Directory Directory
	Policy    retry.Policy
}

// WithRetry wraps d with policy p
func WithRetry(d Directory, p retry.Policy) *Retrying {
	return &Retrying{Directory: d, Policy: p}
}

// Resolve retries unavailable errors
func (r *Retrying) Resolve(ctx context.Context, identity string) (Entry, error) {
	var entry Entry
	err := retry.Do(ctx, r.Policy, func(err error) bool {
		return errors.Is(err, ErrUnavailable)
	}, func(ctx context.Context) error {
		var err error
		entry, err = r.Directory.Resolve(ctx, identity)
		return err
	})
	return entry, err
}
