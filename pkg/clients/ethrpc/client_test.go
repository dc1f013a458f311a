package ethrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/testutil"
)

func TestForward_PassesParamsAndReturnsResult(t *testing.T) {
	node := testutil.NewJSONRPCServer(t, map[string]any{
		"eth_blockNumber": "0x10",
		"eth_getBalance":  "0xde0b6b3a7640000",
	})
	c := NewClient(&Config{Logger: zaptest.NewLogger(t)})
	defer c.Close()

	out, err := c.Forward(context.Background(), node.URL, "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(out))

	out, err = c.Forward(context.Background(), node.URL, "eth_getBalance", json.RawMessage(`["0xabc","latest"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `"0xde0b6b3a7640000"`, string(out))

	calls := node.Calls()
	require.Len(t, calls, 2)
	assert.JSONEq(t, `["0xabc","latest"]`, string(calls[1].Params))
}

func TestForward_MapsRPCErrors(t *testing.T) {
	node := testutil.NewJSONRPCServer(t, nil)
	c := NewClient(nil)
	defer c.Close()

	_, err := c.Forward(context.Background(), node.URL, "eth_unknown", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrMethodNotFound))
	assert.Equal(t, sdkerrors.CodeMethodNotFound, sdkerrors.CodeOf(err))
}

func TestForward_RequiresURL(t *testing.T) {
	c := NewClient(nil)
	_, err := c.Forward(context.Background(), "", "eth_blockNumber", nil)
	assert.True(t, errors.Is(err, sdkerrors.ErrInternal))
}

func TestPositionalArgs(t *testing.T) {
	args, err := positionalArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = positionalArgs(json.RawMessage(`[1,"a"]`))
	require.NoError(t, err)
	require.Len(t, args, 2)

	args, err = positionalArgs(json.RawMessage(` {"a":1}`))
	require.NoError(t, err)
	require.Len(t, args, 1)

	_, err = positionalArgs(json.RawMessage(`"scalar"`))
	require.Error(t, err)
}

func TestForward_ReusesClientPerURL(t *testing.T) {
	node := testutil.NewJSONRPCServer(t, map[string]any{"net_version": "1"})
	c := NewClient(nil)
	defer c.Close()

	for i := 0; i < 3; i++ {
		_, err := c.Forward(context.Background(), node.URL, "net_version", nil)
		require.NoError(t, err)
	}
	assert.Len(t, c.clients, 1)
}
