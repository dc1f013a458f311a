package signer_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type listenerEvent struct {
	kind  string
	value any
}

// recordingListener captures provider notifications in arrival order.
type recordingListener struct {
	mu     sync.Mutex
	events []listenerEvent
}

func (l *recordingListener) OnConnect(chainID string) {
	l.record("connect", chainID)
}

func (l *recordingListener) OnAccountsChanged(accounts []string) {
	l.record("accountsChanged", accounts)
}

func (l *recordingListener) OnChainChanged(chainID string) {
	l.record("chainChanged", chainID)
}

func (l *recordingListener) record(kind string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{kind, value})
}

func (l *recordingListener) all() []listenerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]listenerEvent(nil), l.events...)
}

func (l *recordingListener) named(kind string) []listenerEvent {
	var out []listenerEvent
	for _, e := range l.all() {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func rawJSON(t *testing.T, v any) string {
	t.Helper()
	raw, ok := v.(json.RawMessage)
	require.True(t, ok, "expected json.RawMessage, got %T", v)
	return string(raw)
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
