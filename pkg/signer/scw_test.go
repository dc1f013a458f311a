package signer_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Layr-Labs/walletlink-go/pkg/clients/ethrpc"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/popup"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/signer"
	"github.com/Layr-Labs/walletlink-go/pkg/testutil"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

const (
	walletURL    = "https://keys.example/connect"
	walletOrigin = "https://keys.example"
	account      = "0x00000000000000000000000000000000000000ab"
)

type scwHarness struct {
	signer   *signer.SCWSigner
	host     *testutil.MockPopupHost
	wallet   *testutil.MockWallet
	storage  persistence.Storage
	listener *recordingListener
}

func newSCWHarness(t *testing.T, storage persistence.Storage, accounts ...string) *scwHarness {
	t.Helper()
	if storage == nil {
		storage = testutil.NewTestStorage("CBWSDK")
	}
	host := testutil.NewMockPopupHost(walletOrigin)
	ch, err := popup.NewChannel(&popup.ChannelConfig{URL: walletURL, Host: host, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(ch.Disconnect)

	fwd := ethrpc.NewClient(&ethrpc.Config{Logger: zaptest.NewLogger(t)})
	t.Cleanup(fwd.Close)

	h := &scwHarness{
		host:     host,
		wallet:   testutil.NewMockWallet(t, host, accounts...),
		storage:  storage,
		listener: &recordingListener{},
	}
	h.signer, err = signer.NewSCWSigner(&signer.SCWConfig{
		Metadata:  types.AppMetadata{AppName: "test dapp", AppChainIDs: []uint64{1}},
		Channel:   ch,
		Storage:   storage,
		Forwarder: fwd,
		Listener:  h.listener,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return h
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *scwHarness) handshake(t *testing.T) {
	t.Helper()
	require.NoError(t, h.signer.Handshake(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodRequestAccounts}))
}

func TestNewSCWSigner_Validation(t *testing.T) {
	_, err := signer.NewSCWSigner(nil)
	require.Error(t, err)

	host := testutil.NewMockPopupHost(walletOrigin)
	ch, err := popup.NewChannel(&popup.ChannelConfig{URL: walletURL, Host: host})
	require.NoError(t, err)
	_, err = signer.NewSCWSigner(&signer.SCWConfig{Channel: ch})
	require.Error(t, err)
}

func TestSCW_FreshSignerAnswersLocallyAndRejectsSigning(t *testing.T) {
	h := newSCWHarness(t, nil, account)

	accounts, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodAccounts})
	require.NoError(t, err)
	assert.Equal(t, []string{}, accounts)

	_, err = h.signer.Request(ctxWithTimeout(t), types.RequestArguments{
		Method: signer.MethodPersonalSign,
		Params: params(t, []string{"0x68656c6c6f", account}),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrUnauthorized))

	assert.Empty(t, h.host.Opens())
	assert.Empty(t, h.wallet.Actions())
	assert.Empty(t, h.listener.all())
}

func TestSCW_HandshakePersistsAccountsAndChain(t *testing.T) {
	storage := testutil.NewTestStorage("CBWSDK")
	h := newSCWHarness(t, storage, "0xabc")
	h.wallet.SetChains(map[uint64]string{1: "https://rpc"})

	h.handshake(t)

	assert.Equal(t, []string{"0xabc"}, h.signer.Accounts())
	assert.Equal(t, types.Chain{ID: 1, RPCURL: "https://rpc"}, h.signer.Chain())

	var persisted []string
	ok, err := persistence.GetJSON(storage, signer.StorageKeyAccounts, &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"0xabc"}, persisted)

	var chain types.Chain
	ok, err = persistence.GetJSON(storage, signer.StorageKeyChain, &chain)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://rpc", chain.RPCURL)

	events := h.listener.all()
	require.Len(t, events, 1)
	assert.Equal(t, listenerEvent{"accountsChanged", []string{"0xabc"}}, events[0])

	actions := h.wallet.Actions()
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Handshake)
	assert.Equal(t, signer.MethodRequestAccounts, actions[0].Method)
	assert.JSONEq(t, `[]`, string(actions[0].Params))
}

func TestSCW_RestoresPersistedState(t *testing.T) {
	storage := testutil.NewTestStorage("CBWSDK")
	first := newSCWHarness(t, storage, account)
	first.wallet.SetChains(map[uint64]string{1: "https://rpc", 10: "https://op"})
	first.handshake(t)

	second := newSCWHarness(t, storage)
	assert.Equal(t, []string{account}, second.signer.Accounts())
	assert.Equal(t, types.Chain{ID: 1, RPCURL: "https://rpc"}, second.signer.Chain())
	assert.Len(t, second.signer.AvailableChains(), 2)

	chainID, err := second.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodChainID})
	require.NoError(t, err)
	assert.Equal(t, "0x1", chainID)
}

func TestSCW_RequestAccountsBeforeAuthConnects(t *testing.T) {
	h := newSCWHarness(t, nil, account)

	res, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodRequestAccounts})
	require.NoError(t, err)
	assert.Equal(t, []string{account}, res)

	events := h.listener.all()
	require.Len(t, events, 2)
	assert.Equal(t, "accountsChanged", events[0].kind)
	assert.Equal(t, listenerEvent{"connect", "0x1"}, events[1])

	res, err = h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodRequestAccounts})
	require.NoError(t, err)
	assert.Equal(t, []string{account}, res)
	assert.Len(t, h.wallet.Actions(), 1)
	assert.Len(t, h.listener.named("connect"), 2)
}

func TestSCW_LocalMethods(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.wallet.SetChains(map[uint64]string{1: "https://rpc"})
	h.wallet.SetCapabilities(map[string]json.RawMessage{"0x1": json.RawMessage(`{"atomicBatch":{"supported":true}}`)})
	h.handshake(t)
	ctx := ctxWithTimeout(t)

	coinbase, err := h.signer.Request(ctx, types.RequestArguments{Method: signer.MethodCoinbase})
	require.NoError(t, err)
	assert.Equal(t, account, coinbase)

	version, err := h.signer.Request(ctx, types.RequestArguments{Method: signer.MethodNetVersion})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	caps, err := h.signer.Request(ctx, types.RequestArguments{Method: signer.MethodGetCapabilities})
	require.NoError(t, err)
	require.IsType(t, map[string]json.RawMessage{}, caps)
	assert.JSONEq(t, `{"atomicBatch":{"supported":true}}`, string(caps.(map[string]json.RawMessage)["0x1"]))

	assert.Len(t, h.wallet.Actions(), 1)
}

func TestSCW_SwitchChainBeforeAuthOverridesLocally(t *testing.T) {
	h := newSCWHarness(t, nil, account)

	res, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{
		Method: signer.MethodSwitchEthereumChain,
		Params: params(t, []map[string]string{{"chainId": "0x2105"}}),
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, uint64(8453), h.signer.Chain().ID)
	assert.Empty(t, h.host.Opens())

	_, err = h.signer.Request(ctxWithTimeout(t), types.RequestArguments{
		Method: signer.MethodSwitchEthereumChain,
		Params: params(t, []map[string]string{{}}),
	})
	assert.True(t, errors.Is(err, sdkerrors.ErrInvalidParams))
}

func TestSCW_SwitchChainKnownLocallySkipsPopup(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.wallet.SetChains(map[uint64]string{1: "https://rpc", 10: "https://op"})
	h.handshake(t)

	_, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{
		Method: signer.MethodSwitchEthereumChain,
		Params: params(t, []map[string]string{{"chainId": "0xa"}}),
	})
	require.NoError(t, err)
	assert.Equal(t, types.Chain{ID: 10, RPCURL: "https://op"}, h.signer.Chain())
	assert.Len(t, h.wallet.Actions(), 1)
	assert.Equal(t, []listenerEvent{{"chainChanged", "0xa"}}, h.listener.named("chainChanged"))
}

func TestSCW_SwitchChainUnknownAsksWallet(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.wallet.SetChains(map[uint64]string{1: "https://rpc"})
	h.handshake(t)

	h.wallet.SetChains(map[uint64]string{1: "https://rpc", 7: "https://seven"})
	h.wallet.Handle(signer.MethodSwitchEthereumChain, func(types.RequestArguments) (any, *sdkerrors.Error) {
		return nil, nil
	})

	res, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{
		Method: signer.MethodSwitchEthereumChain,
		Params: params(t, []map[string]string{{"chainId": "0x7"}}),
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, types.Chain{ID: 7, RPCURL: "https://seven"}, h.signer.Chain())
	assert.Equal(t, []listenerEvent{{"chainChanged", "0x7"}}, h.listener.named("chainChanged"))

	actions := h.wallet.Actions()
	require.Len(t, actions, 2)
	assert.False(t, actions[1].Handshake)
	assert.Equal(t, signer.MethodSwitchEthereumChain, actions[1].Method)
	assert.Equal(t, uint64(1), actions[1].ChainID)
}

func TestSCW_SwitchChainRejectedByWallet(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.handshake(t)
	h.wallet.Handle(signer.MethodSwitchEthereumChain, func(types.RequestArguments) (any, *sdkerrors.Error) {
		return nil, sdkerrors.ChainUnsupported("")
	})

	_, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{
		Method: signer.MethodSwitchEthereumChain,
		Params: params(t, []map[string]string{{"chainId": "0x7"}}),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrChainUnsupported))
	assert.Equal(t, uint64(1), h.signer.Chain().ID)
}

func TestSCW_SigningGoesThroughEncryptedPopup(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.handshake(t)
	h.wallet.Handle(signer.MethodPersonalSign, func(args types.RequestArguments) (any, *sdkerrors.Error) {
		return "0xsignature", nil
	})

	res, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{
		Method: signer.MethodPersonalSign,
		Params: params(t, []string{"0x68656c6c6f", account}),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"0xsignature"`, rawJSON(t, res))

	actions := h.wallet.Actions()
	require.Len(t, actions, 2)
	assert.False(t, actions[1].Handshake)
	assert.Equal(t, uint64(1), actions[1].ChainID)
	assert.JSONEq(t, `["0x68656c6c6f","`+account+`"]`, string(actions[1].Params))

	for _, posted := range h.host.Window().Posted() {
		assert.NotContains(t, string(posted.Content), "68656c6c6f")
	}
}

func TestSCW_CancelledRequestIsRejectedByUser(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.handshake(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.wallet.Handle(signer.MethodPersonalSign, func(types.RequestArguments) (any, *sdkerrors.Error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return "0xsignature", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	signParams := params(t, []string{"0x68656c6c6f", account})
	_, err := h.signer.Request(ctx, types.RequestArguments{Method: signer.MethodPersonalSign, Params: signParams})
	assert.True(t, errors.Is(err, sdkerrors.ErrUserRejected))
	assert.Equal(t, sdkerrors.CodeUserRejected, sdkerrors.CodeOf(err))

	// The wallet answers after the cancel; the next request still gets its own reply.
	close(release)
	res, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodPersonalSign, Params: signParams})
	require.NoError(t, err)
	assert.JSONEq(t, `"0xsignature"`, rawJSON(t, res))
}

func TestSCW_WalletErrorsMapToKinds(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.handshake(t)

	h.wallet.Handle(signer.MethodSendTransaction, func(types.RequestArguments) (any, *sdkerrors.Error) {
		return nil, sdkerrors.UserRejected("")
	})
	_, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodSendTransaction, Params: params(t, []any{map[string]string{}})})
	assert.True(t, errors.Is(err, sdkerrors.ErrUserRejected))
	assert.Equal(t, sdkerrors.CodeUserRejected, sdkerrors.CodeOf(err))

	h.wallet.FailNext(sdkerrors.Unauthorized("session unknown"))
	_, err = h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodWatchAsset, Params: params(t, map[string]string{})})
	assert.True(t, errors.Is(err, sdkerrors.ErrUnauthorized))
	assert.Contains(t, err.Error(), "session unknown")
}

func TestSCW_ConnectWithoutSessionHandshakes(t *testing.T) {
	h := newSCWHarness(t, nil, account)

	res, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodConnect})
	require.NoError(t, err)
	assert.JSONEq(t, `{"accounts":[{"address":"`+account+`"}]}`, rawJSON(t, res))
	assert.Equal(t, []string{account}, h.signer.Accounts())

	actions := h.wallet.Actions()
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Handshake)
	assert.Equal(t, signer.MethodConnect, actions[0].Method)
}

func TestSCW_ForwardsReadsToChainRPC(t *testing.T) {
	node := testutil.NewJSONRPCServer(t, map[string]any{"eth_blockNumber": "0x10"})
	h := newSCWHarness(t, nil, account)
	h.wallet.SetChains(map[uint64]string{1: node.URL})
	h.handshake(t)

	res, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: "eth_blockNumber"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, rawJSON(t, res))

	calls := node.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "eth_blockNumber", calls[0].Method)
	assert.Len(t, h.wallet.Actions(), 1)
}

func TestSCW_ForwardWithoutRPCURL(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.handshake(t)

	_, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: "eth_blockNumber"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrInternal))
	assert.Contains(t, err.Error(), "No RPC URL")
}

func TestSCW_CleanupForgetsSession(t *testing.T) {
	storage := testutil.NewTestStorage("CBWSDK")
	h := newSCWHarness(t, storage, account)
	h.wallet.SetChains(map[uint64]string{1: "https://rpc"})
	h.handshake(t)

	require.NoError(t, h.signer.Cleanup(context.Background()))
	assert.Empty(t, h.signer.Accounts())
	assert.Equal(t, types.Chain{ID: 1}, h.signer.Chain())

	for _, key := range []string{signer.StorageKeyAccounts, signer.StorageKeyChain, signer.StorageKeyChains} {
		_, ok, err := storage.GetItem(key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}

	_, err := h.signer.Request(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodPersonalSign})
	assert.True(t, errors.Is(err, sdkerrors.ErrUnauthorized))
}

func TestSCW_BlockedPopup(t *testing.T) {
	h := newSCWHarness(t, nil, account)
	h.host.SetBlocked(true)

	err := h.signer.Handshake(ctxWithTimeout(t), types.RequestArguments{Method: signer.MethodRequestAccounts})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrPopupBlocked))
	assert.Empty(t, h.signer.Accounts())
}
