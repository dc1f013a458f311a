package persistence

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// SetJSON stores v under key as JSON.
func SetJSON(s Storage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", key)
	}
	return s.SetItem(key, string(data))
}

// GetJSON decodes the JSON stored under key into out.
// Returns ok=false, and leaves out untouched, when the key is absent.
func GetJSON(s Storage, key string, out any) (bool, error) {
	raw, ok, err := s.GetItem(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, errors.Wrapf(err, "failed to unmarshal %s", key)
	}
	return true, nil
}
