// Package session persists the relay session: a random id and secret, the
// auth key derived from them, and the one-way "linked" flag.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/pkg/errors"
)

// Storage keys within the walletlink scope.
const (
	StorageKeyID     = "session:id"
	StorageKeySecret = "session:secret"
	StorageKeyLinked = "session:linked"
)

const (
	idBytes     = 16
	secretBytes = 32
)

// Session binds an SDK instance to one relay channel.
type Session struct {
	id     string
	secret string
	key    string

	storage persistence.Storage

	mu     sync.RWMutex
	linked bool
}

// New creates a fresh, unpersisted session.
func New(storage persistence.Storage) (*Session, error) {
	id, err := randomHex(idBytes)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, err
	}
	return newSession(storage, id, secret, false), nil
}

// Load returns the persisted session, or nil when none is stored.
func Load(storage persistence.Storage) (*Session, error) {
	id, ok, err := storage.GetItem(StorageKeyID)
	if err != nil || !ok {
		return nil, err
	}
	secret, ok, err := storage.GetItem(StorageKeySecret)
	if err != nil || !ok {
		return nil, err
	}
	linked, _, err := storage.GetItem(StorageKeyLinked)
	if err != nil {
		return nil, err
	}
	return newSession(storage, id, secret, linked == "1"), nil
}

// LoadOrCreate loads the persisted session or creates and saves a new one.
func LoadOrCreate(storage persistence.Storage) (*Session, error) {
	s, err := Load(storage)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	s, err = New(storage)
	if err != nil {
		return nil, err
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// PersistedID returns the session id currently in storage, which may differ
// from the in-memory one when another process reset the session.
func PersistedID(storage persistence.Storage) (string, bool, error) {
	return storage.GetItem(StorageKeyID)
}

// Clear removes every persisted session artifact.
func Clear(storage persistence.Storage) error {
	for _, k := range []string{StorageKeyID, StorageKeySecret, StorageKeyLinked} {
		if err := storage.RemoveItem(k); err != nil {
			return err
		}
	}
	return nil
}

// DeriveKey computes the auth key the relay checks on HostSession.
func DeriveKey(id, secret string) string {
	return Hash(fmt.Sprintf("%s, %s WalletLink", id, secret))
}

// Hash returns the hex sha256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newSession(storage persistence.Storage, id, secret string, linked bool) *Session {
	return &Session{
		id:      id,
		secret:  secret,
		key:     DeriveKey(id, secret),
		storage: storage,
		linked:  linked,
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Secret() string { return s.secret }
func (s *Session) Key() string    { return s.key }

// IDHash is the session id as reported in diagnostics.
func (s *Session) IDHash() string { return Hash(s.id) }

// CipherKey returns the raw bytes of the secret, used as the event cipher key.
func (s *Session) CipherKey() ([]byte, error) {
	b, err := hex.DecodeString(s.secret)
	if err != nil {
		return nil, errors.Wrap(err, "session secret is not hex")
	}
	return b, nil
}

func (s *Session) Linked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linked
}

// MarkLinked records that a peer has joined. It never reverts.
func (s *Session) MarkLinked() error {
	s.mu.Lock()
	already := s.linked
	s.linked = true
	s.mu.Unlock()
	if already {
		return nil
	}
	return s.storage.SetItem(StorageKeyLinked, "1")
}

// Save persists id, secret and linked flag.
func (s *Session) Save() error {
	if err := s.storage.SetItem(StorageKeyID, s.id); err != nil {
		return err
	}
	if err := s.storage.SetItem(StorageKeySecret, s.secret); err != nil {
		return err
	}
	linked := "0"
	if s.Linked() {
		linked = "1"
	}
	return s.storage.SetItem(StorageKeyLinked, linked)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	return hex.EncodeToString(b), nil
}
