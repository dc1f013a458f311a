package testutil

import (
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Layr-Labs/walletlink-go/pkg/cipherbox"
	"github.com/Layr-Labs/walletlink-go/pkg/relayserver"
	"github.com/Layr-Labs/walletlink-go/pkg/session"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// StartRelayServer runs a development relay behind httptest and returns it
// with its base URL.
func StartRelayServer(t *testing.T) (*relayserver.Server, string) {
	t.Helper()
	srv := relayserver.NewServer(&relayserver.Config{Logger: zaptest.NewLogger(t)})
	httpSrv := httptest.NewServer(srv.GetHandler())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv.URL
}

// RelayResponder answers one decrypted web3 request. Returning nil leaves
// the request unanswered.
type RelayResponder func(req *types.RelayEventData) *types.Web3Response

// RelayWallet is the guest side of a relay session. It decrypts requests the
// host publishes and pushes encrypted responses back.
type RelayWallet struct {
	mu       sync.Mutex
	requests []*types.RelayEventData
	canceled []string
}

// AttachRelayWallet subscribes a wallet to every event published on srv.
// sessionOf returns the host's current session, whose secret keys the events.
func AttachRelayWallet(srv *relayserver.Server, sessionOf func() *session.Session, respond RelayResponder) *RelayWallet {
	w := &RelayWallet{}
	srv.SetPublishHandler(func(sessionID string, e types.UnseenEvent) {
		s := sessionOf()
		key, err := s.CipherKey()
		if err != nil {
			return
		}
		var data types.RelayEventData
		if err := cipherbox.DecryptJSON(key, e.Data, &data); err != nil {
			return
		}

		w.mu.Lock()
		switch data.Type {
		case types.RelayEventWeb3Request:
			w.requests = append(w.requests, &data)
		case types.RelayEventWeb3RequestCanceled:
			w.canceled = append(w.canceled, data.ID)
		}
		w.mu.Unlock()

		if data.Type != types.RelayEventWeb3Request || respond == nil {
			return
		}
		resp := respond(&data)
		if resp == nil {
			return
		}
		out, err := cipherbox.EncryptJSON(key, &types.RelayEventData{
			Type:     types.RelayEventWeb3Response,
			ID:       data.ID,
			Response: resp,
		})
		if err != nil {
			return
		}
		srv.PushEvent(sessionID, types.EventWeb3Response, out)
	})
	return w
}

// Requests returns every web3 request received so far.
func (w *RelayWallet) Requests() []*types.RelayEventData {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*types.RelayEventData(nil), w.requests...)
}

// RequestCount returns the number of web3 requests received.
func (w *RelayWallet) RequestCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

// CanceledIDs returns the ids of canceled requests.
func (w *RelayWallet) CanceledIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.canceled...)
}
