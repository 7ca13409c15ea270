package prompts

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// LoadFile reads prompt overrides from a YAML file keyed by slot name.
func LoadFile(path string) (*Overrides, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts %s: %w", path, err)
	}
	defer f.Close()
	o, err := decodeOverrides(f)
	if err != nil {
		return nil, fmt.Errorf("decode prompts %s: %w", path, err)
	}
	return o, nil
}

// Load parses prompt overrides from r.
func Load(r io.Reader) (*Overrides, error) {
	o, err := decodeOverrides(r)
	if err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	return o, nil
}

func decodeOverrides(r io.Reader) (*Overrides, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var o Overrides
	if err := dec.Decode(&o); err != nil && err != io.EOF {
		return nil, err
	}
	return &o, nil
}

// Store holds the prompt set used when a turn supplies no override.
// It is safe for concurrent use and can be swapped at runtime.
type Store struct {
	current atomic.Pointer[Set]
}

// NewStore returns a store seeded with base.
func NewStore(base Set) *Store {
	s := &Store{}
	s.current.Store(&base)
	return s
}

// Current returns a copy of the active default set.
func (s *Store) Current() Set {
	return *s.current.Load()
}

// Apply resolves o against the built-in defaults and installs the result.
// The active set is left untouched if the result does not validate.
func (s *Store) Apply(o *Overrides) error {
	next := Resolve(o, Defaults())
	if err := next.Validate(); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}
