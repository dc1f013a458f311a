package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/diagnostics"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/session"
	"github.com/Layr-Labs/walletlink-go/pkg/testutil"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type accountsEvent struct {
	accounts     []string
	isDisconnect bool
}

type testUI struct {
	mu      sync.Mutex
	shown   int
	hidden  int
	reloads int
	last    ConnectingOptions
}

func (u *testUI) ShowConnecting(opts ConnectingOptions) func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.shown++
	u.last = opts
	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.hidden++
	}
}

func (u *testUI) Reload() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reloads++
}

func (u *testUI) counts() (shown, hidden, reloads int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.shown, u.hidden, u.reloads
}

type relayHarness struct {
	relay    *Relay
	storage  persistence.Storage
	diag     *diagnostics.Recorder
	ui       *testUI
	mu       sync.Mutex
	accounts []accountsEvent
	chains   []types.Chain
}

func (h *relayHarness) accountEvents() []accountsEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]accountsEvent(nil), h.accounts...)
}

func (h *relayHarness) chainEvents() []types.Chain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Chain(nil), h.chains...)
}

func newRelayHarness(t *testing.T, linkAPIURL string, storage persistence.Storage, reload bool) *relayHarness {
	t.Helper()
	if storage == nil {
		storage = newWalletLinkStorage()
	}
	h := &relayHarness{storage: storage, diag: &diagnostics.Recorder{}, ui: &testUI{}}
	r, err := NewRelay(&Config{
		LinkAPIURL:         linkAPIURL,
		Storage:            storage,
		AppName:            "test dapp",
		Origin:             "http://localhost:3000",
		ReloadOnDisconnect: reload,
		UI:                 h.ui,
		Diagnostics:        h.diag,
		Logger:             zaptest.NewLogger(t),
		Timing:             testTiming,
		AccountsCallback: func(accounts []string, isDisconnect bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.accounts = append(h.accounts, accountsEvent{accounts, isDisconnect})
		},
		ChainCallback: func(chainID uint64, rpcURL string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.chains = append(h.chains, types.Chain{ID: chainID, RPCURL: rpcURL})
		},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	h.relay = r
	return h
}

func (h *relayHarness) startAndWait(t *testing.T) {
	t.Helper()
	require.NoError(t, h.relay.Start(context.Background()))
	require.Eventually(t, func() bool { return h.relay.Connection().Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestNewRelay_Validation(t *testing.T) {
	_, err := NewRelay(nil)
	require.Error(t, err)
	_, err = NewRelay(&Config{LinkAPIURL: "http://x"})
	require.Error(t, err)
	_, err = NewRelay(&Config{Storage: newWalletLinkStorage()})
	require.Error(t, err)
}

func TestRelay_SendRequestRoundTrip(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	wallet := testutil.AttachRelayWallet(srv, h.relay.Session, func(req *types.RelayEventData) *types.Web3Response {
		return &types.Web3Response{Method: req.Request.Method, Result: json.RawMessage(`"0xsignature"`)}
	})
	h.startAndWait(t)

	call := h.relay.SendRequest(context.Background(), types.Web3Request{
		Method: types.Web3SignEthereumMessage,
		Params: map[string]any{"message": "0x68656c6c6f", "address": "0xabc"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"0xsignature"`, string(resp.Result))
	assert.Zero(t, h.relay.PendingCalls())

	shown, hidden, _ := h.ui.counts()
	assert.Equal(t, 1, shown)
	assert.Equal(t, 1, hidden)

	assert.Len(t, h.diag.Named(diagnostics.EventWeb3Request), 1)
	require.Eventually(t, func() bool {
		return len(h.diag.Named(diagnostics.EventWeb3RequestPublished)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, h.diag.Named(diagnostics.EventWeb3Response), 1)

	requests := wallet.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "http://localhost:3000", requests[0].Origin)
	assert.Len(t, requests[0].ID, 16)
}

func TestRelay_ErrorResponseMapsCode(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	_ = testutil.AttachRelayWallet(srv, h.relay.Session, func(req *types.RelayEventData) *types.Web3Response {
		return &types.Web3Response{Method: req.Request.Method, ErrorMessage: "User denied", ErrorCode: sdkerrors.CodeUserRejected}
	})
	h.startAndWait(t)

	call := h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumTransaction})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := call.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrUserRejected))
	assert.Contains(t, err.Error(), "User denied")
}

func TestRelay_CancelNotifiesWalletAndRejectsLocally(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	wallet := testutil.AttachRelayWallet(srv, h.relay.Session, nil)
	h.startAndWait(t)

	call := h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumMessage})
	require.Eventually(t, func() bool { return wallet.RequestCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	call.Cancel()
	resp, err := call.Wait(context.Background())
	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, sdkerrors.ErrUserRejected))
	assert.Zero(t, h.relay.PendingCalls())

	require.Eventually(t, func() bool { return len(wallet.CanceledIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, call.ID, wallet.CanceledIDs()[0])

	// A late reply for the canceled id is ignored.
	s := h.relay.Session()
	srv.PushEvent(s.ID(), types.EventWeb3Response, encryptEventFor(t, s, &types.RelayEventData{
		Type:     types.RelayEventWeb3Response,
		ID:       call.ID,
		Response: &types.Web3Response{Method: types.Web3SignEthereumMessage, Result: json.RawMessage(`"late"`)},
	}))
	require.Eventually(t, func() bool { return len(h.diag.Named(diagnostics.EventWeb3Response)) == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = call.Wait(context.Background())
	assert.True(t, errors.Is(err, sdkerrors.ErrUserRejected))

	call.Cancel()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, wallet.CanceledIDs(), 1)
}

func TestRelay_WaitCancelledContextCancelsCall(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	wallet := testutil.AttachRelayWallet(srv, h.relay.Session, nil)
	h.startAndWait(t)

	call := h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumMessage})
	require.Eventually(t, func() bool { return wallet.RequestCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := call.Wait(ctx)
	assert.True(t, errors.Is(err, sdkerrors.ErrUserRejected))
	assert.Zero(t, h.relay.PendingCalls())

	require.Eventually(t, func() bool { return len(wallet.CanceledIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, call.ID, wallet.CanceledIDs()[0])
}

func TestRelay_WaitTimeoutDoesNotNotifyWallet(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	wallet := testutil.AttachRelayWallet(srv, h.relay.Session, nil)
	h.startAndWait(t)

	call := h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumMessage})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := call.Wait(ctx)
	assert.True(t, errors.Is(err, sdkerrors.ErrTimeout))
	assert.Zero(t, h.relay.PendingCalls())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, wallet.CanceledIDs())
}

func TestRelay_AccountRequestsFulfilledByAddressMetadata(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	h.startAndWait(t)

	first := h.relay.RequestEthereumAccounts(context.Background())
	second := h.relay.RequestEthereumAccounts(context.Background())
	require.Eventually(t, func() bool { return len(srv.PublishedEvents(h.relay.Session().ID())) == 2 }, 2*time.Second, 10*time.Millisecond)

	s := h.relay.Session()
	srv.PushMetadata(s.ID(), map[string]string{types.MetadataEthereumAddress: encryptFor(t, s, "0xabc")})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, call := range []*Call{first, second} {
		resp, err := call.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Web3RequestEthereumAccounts, resp.Method)
		assert.JSONEq(t, `["0xabc"]`, string(resp.Result))
	}
	assert.Equal(t, []accountsEvent{{accounts: []string{"0xabc"}}}, h.accountEvents())
	assert.Zero(t, h.relay.PendingCalls())
}

func TestRelay_AccountResponseResolvesAllAccountRequests(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	h.startAndWait(t)

	first := h.relay.RequestEthereumAccounts(context.Background())
	second := h.relay.RequestEthereumAccounts(context.Background())
	other := h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumMessage})
	require.Eventually(t, func() bool { return len(srv.PublishedEvents(h.relay.Session().ID())) == 3 }, 2*time.Second, 10*time.Millisecond)

	s := h.relay.Session()
	srv.PushEvent(s.ID(), types.EventWeb3Response, encryptEventFor(t, s, &types.RelayEventData{
		Type:     types.RelayEventWeb3Response,
		ID:       first.ID,
		Response: &types.Web3Response{Method: types.Web3RequestEthereumAccounts, Result: json.RawMessage(`["0xdef"]`)},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, call := range []*Call{first, second} {
		resp, err := call.Wait(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `["0xdef"]`, string(resp.Result))
	}
	select {
	case <-other.Done():
		t.Fatal("unrelated request settled")
	default:
	}
	assert.Equal(t, 1, h.relay.PendingCalls())
}

func TestRelay_ChainUpdatePersistedAndForwarded(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	h.startAndWait(t)

	s := h.relay.Session()
	srv.PushMetadata(s.ID(), map[string]string{
		types.MetadataChainID:    encryptFor(t, s, "8453"),
		types.MetadataJSONRPCURL: encryptFor(t, s, "https://base.rpc"),
	})

	require.Eventually(t, func() bool { return len(h.chainEvents()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.Chain{ID: 8453, RPCURL: "https://base.rpc"}, h.chainEvents()[0])

	id, ok, err := h.storage.GetItem(StorageKeyDefaultChainID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8453", id)
	rpcURL, _, err := h.storage.GetItem(StorageKeyDefaultJSONRPCURL)
	require.NoError(t, err)
	assert.Equal(t, "https://base.rpc", rpcURL)
}

func TestRelay_UnlinkedErrorState(t *testing.T) {
	_, url := testutil.StartRelayServer(t)
	storage := newWalletLinkStorage()
	s, err := session.LoadOrCreate(storage)
	require.NoError(t, err)
	require.NoError(t, s.MarkLinked())
	require.NoError(t, storage.SetItem(StorageKeyAddresses, "0xabc"))

	h := newRelayHarness(t, url, storage, false)
	h.startAndWait(t)

	require.Eventually(t, h.relay.IsUnlinkedErrorState, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.relay.IsLinked())
	assert.Len(t, h.diag.Named(diagnostics.EventUnlinkedErrorState), 1)

	h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumMessage})
	h.ui.mu.Lock()
	assert.True(t, h.ui.last.IsUnlinkedErrorState)
	h.ui.mu.Unlock()
}

func TestRelay_ResetAndReloadClearsOwnSessionAndRebuilds(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	h.startAndWait(t)

	oldID := h.relay.Session().ID()
	require.NoError(t, h.storage.SetItem(StorageKeyAddresses, "0xabc"))
	pendingCall := h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumMessage})

	h.relay.ResetAndReload(context.Background())

	assert.Equal(t, "1", srv.Metadata(oldID)[types.MetadataDestroyed])
	_, err := pendingCall.Wait(context.Background())
	assert.True(t, errors.Is(err, sdkerrors.ErrDisconnected))

	newID := h.relay.Session().ID()
	assert.NotEqual(t, oldID, newID)
	_, ok, err := h.storage.GetItem(StorageKeyAddresses)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []accountsEvent{{accounts: []string{}, isDisconnect: true}}, h.accountEvents())
	assert.Empty(t, h.diag.Named(diagnostics.EventSkippedClearingSession))

	changes := h.diag.Named(diagnostics.EventSessionStateChange)
	var found bool
	for _, c := range changes {
		if c.Props["method"] == "relay::resetAndReload" {
			found = true
			assert.Equal(t, "__destroyed, 1", c.Props["sessionMetadataChange"])
			assert.Equal(t, session.Hash(oldID), c.Props["sessionIdHash"])
		}
	}
	assert.True(t, found)

	require.Eventually(t, func() bool { return h.relay.Connection().Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.HostCount(newID))
}

func TestRelay_ResetAndReloadSkipsClearingReplacedSession(t *testing.T) {
	_, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, true)
	h.startAndWait(t)

	oldID := h.relay.Session().ID()
	// Another process already reset and stored its own session.
	require.NoError(t, h.storage.SetItem(session.StorageKeyID, "other-session"))
	require.NoError(t, h.storage.SetItem(StorageKeyAddresses, "0xabc"))

	h.relay.ResetAndReload(context.Background())

	skipped := h.diag.Named(diagnostics.EventSkippedClearingSession)
	require.Len(t, skipped, 1)
	assert.Equal(t, session.Hash(oldID), skipped[0].Props["sessionIdHash"])
	assert.Equal(t, session.Hash("other-session"), skipped[0].Props["storedSessionIdHash"])

	id, _, err := h.storage.GetItem(session.StorageKeyID)
	require.NoError(t, err)
	assert.Equal(t, "other-session", id)
	addresses, _, err := h.storage.GetItem(StorageKeyAddresses)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", addresses)

	_, _, reloads := h.ui.counts()
	assert.Equal(t, 1, reloads)
	assert.Empty(t, h.accountEvents())
}

func TestRelay_ResetAndReloadBoundedByDestroyTimeout(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	srv.FailNextHostSession()
	h := newRelayHarness(t, url, nil, true)
	require.NoError(t, h.relay.Start(context.Background()))

	start := time.Now()
	h.relay.ResetAndReload(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	_, _, reloads := h.ui.counts()
	assert.Equal(t, 1, reloads)
}

func TestRelay_DestroyedMetadataTriggersReset(t *testing.T) {
	srv, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, true)
	h.startAndWait(t)

	srv.PushMetadata(h.relay.Session().ID(), map[string]string{types.MetadataDestroyed: "1"})

	require.Eventually(t, func() bool {
		_, _, reloads := h.ui.counts()
		return reloads == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_ClosedRejectsRequests(t *testing.T) {
	_, url := testutil.StartRelayServer(t)
	h := newRelayHarness(t, url, nil, false)
	h.relay.Close()

	_, err := h.relay.SendRequest(context.Background(), types.Web3Request{Method: types.Web3SignEthereumMessage}).Wait(context.Background())
	assert.True(t, errors.Is(err, sdkerrors.ErrDisconnected))
}

func TestRelay_QRCodeURL(t *testing.T) {
	h := newRelayHarness(t, "https://www.walletlink.org", nil, false)
	u := h.relay.QRCodeURL(1)
	s := h.relay.Session()
	assert.Contains(t, u, "https://www.walletlink.org/#/link?")
	assert.Contains(t, u, "id="+s.ID())
	assert.Contains(t, u, "secret="+s.Secret())
	assert.Contains(t, u, "chainId=1")
	assert.Contains(t, u, "v=1")
}
