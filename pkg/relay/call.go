package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// Call is an in-flight web3 request published over the relay. It settles
// exactly once: with the wallet's response, an error response, a local
// cancel, or a Wait timeout. Replies arriving afterwards are ignored.
type Call struct {
	ID     string
	Method string

	relay *Relay
	done  chan struct{}

	mu      sync.Mutex
	settled bool
	hide    func()
	resp    *types.Web3Response
	err     error
}

func newCall(id, method string, r *Relay) *Call {
	return &Call{ID: id, Method: method, relay: r, done: make(chan struct{})}
}

// Wait blocks until the call settles. A cancelled ctx cancels the call as
// Cancel does. An expired ctx settles it locally with a timeout and the peer
// is not notified.
func (c *Call) Wait(ctx context.Context) (*types.Web3Response, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			c.Cancel()
			c.settle(nil, sdkerrors.UserRejected(""))
		} else {
			err := sdkerrors.FromContext(ctx.Err(), fmt.Sprintf("no response to %s", c.Method))
			if c.relay != nil {
				c.relay.expire(c, err)
			} else {
				c.settle(nil, err)
			}
		}
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp, c.err
}

// Cancel notifies the wallet best-effort and settles the call as rejected by
// the user. It is a no-op once the call has settled.
func (c *Call) Cancel() {
	if c.relay != nil {
		c.relay.cancel(c)
		return
	}
	c.settle(nil, sdkerrors.UserRejected(""))
}

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) setHide(hide func()) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		hide()
		return
	}
	c.hide = hide
	c.mu.Unlock()
}

func (c *Call) settle(resp *types.Web3Response, err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	c.resp = resp
	c.err = err
	hide := c.hide
	c.hide = nil
	c.mu.Unlock()

	if hide != nil {
		hide()
	}
	close(c.done)
	return true
}
