package session

import (
	"testing"

	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage() persistence.Storage {
	return persistence.NewScopedStore(memory.NewMemoryPersistence(), persistence.ScopeWalletLink)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey("c008b3e1", "8fd1a0")
	b := DeriveKey("c008b3e1", "8fd1a0")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, Hash("c008b3e1, 8fd1a0 WalletLink"), a)
	assert.NotEqual(t, a, DeriveKey("c008b3e1", "8fd1a1"))
}

func TestNew_RandomIdentifiers(t *testing.T) {
	s1, err := New(newStorage())
	require.NoError(t, err)
	s2, err := New(newStorage())
	require.NoError(t, err)

	assert.Len(t, s1.ID(), 32)
	assert.Len(t, s1.Secret(), 64)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, DeriveKey(s1.ID(), s1.Secret()), s1.Key())

	key, err := s1.CipherKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadOrCreate_PersistsAndReloads(t *testing.T) {
	storage := newStorage()

	loaded, err := Load(storage)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	created, err := LoadOrCreate(storage)
	require.NoError(t, err)
	assert.False(t, created.Linked())

	reloaded, err := LoadOrCreate(storage)
	require.NoError(t, err)
	assert.Equal(t, created.ID(), reloaded.ID())
	assert.Equal(t, created.Key(), reloaded.Key())

	id, ok, err := PersistedID(storage)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID(), id)
}

func TestMarkLinked_OneWayAndPersisted(t *testing.T) {
	storage := newStorage()
	s, err := LoadOrCreate(storage)
	require.NoError(t, err)

	require.NoError(t, s.MarkLinked())
	require.NoError(t, s.MarkLinked())
	assert.True(t, s.Linked())

	reloaded, err := Load(storage)
	require.NoError(t, err)
	assert.True(t, reloaded.Linked())
}

func TestClear_RemovesSession(t *testing.T) {
	storage := newStorage()
	_, err := LoadOrCreate(storage)
	require.NoError(t, err)

	require.NoError(t, Clear(storage))

	s, err := Load(storage)
	require.NoError(t, err)
	assert.Nil(t, s)
}
