package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/cipherbox"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence/memory"
	"github.com/Layr-Labs/walletlink-go/pkg/session"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"github.com/stretchr/testify/require"
)

var testTiming = Timing{
	HeartbeatInterval: time.Second,
	ReconnectDelay:    50 * time.Millisecond,
	RequestTimeout:    2 * time.Second,
	DestroyTimeout:    200 * time.Millisecond,
	UnseenEventsDelay: time.Millisecond,
}

func newWalletLinkStorage() persistence.Storage {
	return persistence.NewScopedStore(memory.NewMemoryPersistence(), persistence.ScopeWalletLink)
}

func encryptFor(t *testing.T, s *session.Session, plaintext string) string {
	t.Helper()
	key, err := s.CipherKey()
	require.NoError(t, err)
	enc, err := cipherbox.Encrypt(key, plaintext)
	require.NoError(t, err)
	return enc
}

func encryptEventFor(t *testing.T, s *session.Session, data *types.RelayEventData) string {
	t.Helper()
	key, err := s.CipherKey()
	require.NoError(t, err)
	enc, err := cipherbox.EncryptJSON(key, data)
	require.NoError(t, err)
	return enc
}

// recordingListener captures Connection callbacks.
type recordingListener struct {
	mu        sync.Mutex
	linked    []bool
	metadata  map[string]string
	chains    [][2]string
	accounts  []string
	responses []*types.RelayEventData
	resets    int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{metadata: make(map[string]string)}
}

func (l *recordingListener) LinkedUpdated(linked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linked = append(l.linked, linked)
}

func (l *recordingListener) MetadataUpdated(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadata[key] = value
}

func (l *recordingListener) ChainUpdated(chainID, rpcURL string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chains = append(l.chains, [2]string{chainID, rpcURL})
}

func (l *recordingListener) AccountUpdated(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = append(l.accounts, address)
}

func (l *recordingListener) Web3ResponseMessage(msg *types.RelayEventData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses = append(l.responses, msg)
}

func (l *recordingListener) ResetAndReload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
}

type listenerSnapshot struct {
	linked    []bool
	metadata  map[string]string
	chains    [][2]string
	accounts  []string
	responses []*types.RelayEventData
	resets    int
}

func (l *recordingListener) snapshot() listenerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	md := make(map[string]string, len(l.metadata))
	for k, v := range l.metadata {
		md[k] = v
	}
	return listenerSnapshot{
		linked:    append([]bool(nil), l.linked...),
		metadata:  md,
		chains:    append([][2]string(nil), l.chains...),
		accounts:  append([]string(nil), l.accounts...),
		responses: append([]*types.RelayEventData(nil), l.responses...),
		resets:    l.resets,
	}
}
