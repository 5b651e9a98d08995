package relay

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/setup/jetstream"
	"github.com/lumen-im/lumen/signing"
)

const messageIDHeader = "Lumen-Message-Id"

// JetStreamRelay implements Relay on top of a NATS JetStream stream
// with interest-based retention: messages for a device are kept until
// its durable consumer acknowledges them, and deleted wholesale when
// the listener detaches.
type JetStreamRelay struct {
	cfg *config.JetStream
	js  natsclient.JetStreamContext
}

func NewJetStreamRelay(js natsclient.JetStreamContext, cfg *config.JetStream) *JetStreamRelay {
	return &JetStreamRelay{cfg: cfg, js: js}
}

func (r *JetStreamRelay) Send(ctx context.Context, target signing.DeviceID, payload []byte) error {
	msg := natsclient.NewMsg(jetstream.ToDeviceSubjectFor(r.cfg.Prefixed, string(target)))
	msg.Header.Set(messageIDHeader, uuid.NewString())
	msg.Data = payload
	if _, err := r.js.PublishMsg(msg, natsclient.Context(ctx)); err != nil {
		return fmt.Errorf("PublishMsg: %w", err)
	}
	return nil
}

func (r *JetStreamRelay) AddListener(ctx context.Context, target signing.DeviceID) (*Subscription, error) {
	subject := jetstream.ToDeviceSubjectFor(r.cfg.Prefixed, string(target))
	durable := "RelayListener" + jetstream.DeviceToken(string(target))[:16]

	listenerCtx, cancel := context.WithCancel(ctx)
	ch := make(chan InboundMessage, 64)
	err := jetstream.JetStreamConsumer(
		listenerCtx, r.js, subject, durable,
		func(ctx context.Context, msg *natsclient.Msg) bool {
			inbound := InboundMessage{
				MessageID: msg.Header.Get(messageIDHeader),
				Payload:   msg.Data,
			}
			select {
			case ch <- inbound:
				return true
			case <-ctx.Done():
				return false
			}
		},
		natsclient.DeliverAll(),
		natsclient.ManualAck(),
		natsclient.BindStream(r.cfg.Prefixed(jetstream.RelayStream)),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("JetStreamConsumer: %w", err)
	}
	logrus.WithField("subject", subject).Debug("Relay listener attached")
	return NewSubscription(ch, cancel), nil
}
