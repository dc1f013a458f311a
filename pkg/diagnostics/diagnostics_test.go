package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapSink_LogsEventWithProperties(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Log(EventSkippedClearingSession, Properties{
		"sessionIdHash":       "abc",
		"storedSessionIdHash": "",
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "diagnostic", entries[0].LoggerName)

	ctx := entries[0].ContextMap()
	assert.Equal(t, EventSkippedClearingSession, ctx["event"])
	assert.Equal(t, "abc", ctx["sessionIdHash"])
	assert.Equal(t, "", ctx["storedSessionIdHash"])
}

func TestOrNop(t *testing.T) {
	s := OrNop(nil)
	assert.NotPanics(t, func() { s.Log(EventConnected, nil) })
}

func TestRecorder_CopiesProperties(t *testing.T) {
	r := &Recorder{}
	props := Properties{"k": "v"}
	r.Log(EventLinked, props)
	props["k"] = "changed"
	r.Log(EventConnected, nil)

	require.Len(t, r.Records(), 2)
	linked := r.Named(EventLinked)
	require.Len(t, linked, 1)
	assert.Equal(t, "v", linked[0].Props["k"])
}
