// Package relay carries opaque envelopes between devices. The relay is
// store-and-forward: a message published for a device is retained until
// that device's listener has acknowledged it, and a listener that
// attaches after publication still receives everything queued for it.
// The relay never sees envelope plaintext.
package relay

import (
	"context"

	"go.uber.org/atomic"

	"github.com/lumen-im/lumen/signing"
)

// InboundMessage is a single envelope delivered to a listener. The
// relay assigns every accepted message a unique ID, which the transport
// may use to redeliver: consumers must treat messages with a previously
// seen ID as already handled.
type InboundMessage struct {
	MessageID string
	Payload   []byte
}

// Relay is the transport contract between linking peers.
type Relay interface {
	// Send queues a payload for the target device. Delivery is
	// asynchronous; a nil error means the relay has accepted the message,
	// not that the target has seen it.
	Send(ctx context.Context, target signing.DeviceID, payload []byte) error
	// AddListener attaches a scoped listener for messages addressed to
	// the given device. The caller owns the returned subscription and
	// must Close it when the session ends.
	AddListener(ctx context.Context, target signing.DeviceID) (*Subscription, error)
}

// Subscription is a live listener attached to the relay. Messages
// arrive on C until Close is called, after which no further messages
// are delivered. C is never closed; receivers should select on their
// own context alongside it.
type Subscription struct {
	// C delivers inbound messages in publication order.
	C <-chan InboundMessage

	cancel context.CancelFunc
	closed atomic.Bool
}

// NewSubscription wraps a delivery channel in a subscription handle.
// Alternative transports use this to satisfy the Relay contract.
func NewSubscription(ch <-chan InboundMessage, cancel context.CancelFunc) *Subscription {
	return &Subscription{C: ch, cancel: cancel}
}

// Close detaches the listener. Closing more than once is a no-op.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
}
