package persistence

import (
	"sort"

	"github.com/pkg/errors"
)

// ScopedStore namespaces a shared backend the way browser storage is
// namespaced per SDK module: every key is stored as "-<scope>:<key>".
type ScopedStore struct {
	backend IKeyValueStore
	prefix  string
}

var _ Storage = (*ScopedStore)(nil)

// NewScopedStore returns a view of backend restricted to scope.
func NewScopedStore(backend IKeyValueStore, scope string) *ScopedStore {
	return &ScopedStore{
		backend: backend,
		prefix:  "-" + scope + ":",
	}
}

// ScopedKey returns the backend key used for key.
func (s *ScopedStore) ScopedKey(key string) string {
	return s.prefix + key
}

func (s *ScopedStore) GetItem(key string) (string, bool, error) {
	v, ok, err := s.backend.Get(s.ScopedKey(key))
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to get %s", key)
	}
	return v, ok, nil
}

func (s *ScopedStore) SetItem(key, value string) error {
	if err := s.backend.Set(s.ScopedKey(key), value); err != nil {
		return errors.Wrapf(err, "failed to set %s", key)
	}
	return nil
}

func (s *ScopedStore) RemoveItem(key string) error {
	if err := s.backend.Delete(s.ScopedKey(key)); err != nil {
		return errors.Wrapf(err, "failed to remove %s", key)
	}
	return nil
}

func (s *ScopedStore) Clear() error {
	keys, err := s.backend.Keys(s.prefix)
	if err != nil {
		return errors.Wrap(err, "failed to list scoped keys")
	}
	for _, k := range keys {
		if err := s.backend.Delete(k); err != nil {
			return errors.Wrapf(err, "failed to delete %s", k)
		}
	}
	return nil
}

// Keys returns the unprefixed keys present in this scope.
func (s *ScopedStore) Keys() ([]string, error) {
	keys, err := s.backend.Keys(s.prefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scoped keys")
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(s.prefix):])
	}
	sort.Strings(out)
	return out, nil
}
