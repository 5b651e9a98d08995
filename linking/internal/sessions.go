package internal

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/linking/api"
	"github.com/lumen-im/lumen/linking/envelope"
	"github.com/lumen-im/lumen/relay"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

var (
	sessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lumen",
			Subsystem: "linking",
			Name:      "sessions_started_total",
			Help:      "Linking sessions started, by role.",
		},
		[]string{"role"},
	)
	sessionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lumen",
			Subsystem: "linking",
			Name:      "session_outcomes_total",
			Help:      "Terminal linking session outcomes, by role and result.",
		},
		[]string{"role", "outcome"},
	)
)

// Sessions is the linking orchestrator. It runs at most one session at
// a time on a device, in either role.
type Sessions struct {
	Cfg           *config.Linking
	DeviceListAPI devicelistapi.DeviceListInternalAPI
	Relay         relay.Relay
	// Identity is this device's signing identity. On the authorizer side
	// it must be the account's primary device.
	Identity signing.KeyPair

	mu     sync.Mutex
	active *session
}

func NewSessions(
	cfg *config.Linking, deviceListAPI devicelistapi.DeviceListInternalAPI,
	r relay.Relay, identity signing.KeyPair,
) *Sessions {
	return &Sessions{
		Cfg:           cfg,
		DeviceListAPI: deviceListAPI,
		Relay:         r,
		Identity:      identity,
	}
}

// session is the single handle type behind both api.Session and
// api.RegistrantSession.
type session struct {
	id      string
	role    string
	payload string

	ctx    context.Context
	cancel context.CancelFunc

	owner  *Sessions
	once   sync.Once
	result chan api.Result
}

func (s *session) ID() string                { return s.id }
func (s *session) Result() <-chan api.Result { return s.result }
func (s *session) DisplayPayload() string    { return s.payload }

func (s *session) Cancel() {
	s.resolve(api.Result{Reason: api.FailureCancelled})
}

// resolve delivers the terminal result exactly once, tears down the
// session context and frees the active slot.
func (s *session) resolve(r api.Result) {
	s.once.Do(func() {
		s.result <- r
		s.cancel()
		s.owner.release(s)
		outcome := "linked"
		if !r.Linked {
			outcome = string(r.Reason)
		}
		sessionOutcomes.WithLabelValues(s.role, outcome).Inc()
		logrus.WithFields(logrus.Fields{
			"session_id": s.id,
			"role":       s.role,
			"outcome":    outcome,
		}).Info("Linking session resolved")
	})
}

// fail resolves with a failure reason, attaching the underlying error.
func (s *session) fail(reason api.FailureReason, err error) {
	s.resolve(api.Result{Reason: reason, Err: err})
}

// begin claims the active session slot. The session context carries the
// session TTL so that a stalled handshake cannot outlive its ephemeral
// secret.
func (m *Sessions) begin(ctx context.Context, role string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, api.ErrSessionAlreadyActive
	}
	sctx, cancel := context.WithTimeout(ctx, m.Cfg.SessionTTL)
	s := &session{
		id:     uuid.NewString(),
		role:   role,
		ctx:    sctx,
		cancel: cancel,
		owner:  m,
		result: make(chan api.Result, 1),
	}
	m.active = s
	sessionsStarted.WithLabelValues(role).Inc()
	return s, nil
}

func (m *Sessions) release(s *session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

// VerifyPrimaryContinuity implements api.LinkingAPI. The restored
// material signs the canonical continuity marker and the signature must
// verify under the previous primary's public key, proving the restored
// identity is the same keypair and not an impostor's.
func (m *Sessions) VerifyPrimaryContinuity(ctx context.Context, userID string, restored signing.KeyPair) error {
	var res devicelistapi.QueryDeviceListHistoryResponse
	req := devicelistapi.QueryDeviceListHistoryRequest{UserID: userID}
	if err := m.DeviceListAPI.QueryDeviceListHistory(ctx, &req, &res); err != nil {
		return err
	}
	previous, ok := devicelistapi.PreviousPrimaryDeviceID(res.History)
	if !ok {
		return api.ErrSigningContinuity
	}
	if !signing.VerifyContinuity(signing.SignContinuity(restored), previous) {
		return api.ErrSigningContinuity
	}
	return nil
}

// awaitMessage reads from the subscription until an envelope opens
// cleanly under the session secret and decodes to T. Anything else is
// dropped without a response: undecryptable or foreign messages reveal
// nothing to their sender. Redelivered message IDs are dropped too, so
// duplicate relay delivery cannot replay a handshake step.
func awaitMessage[T any](
	ctx context.Context, sub *relay.Subscription,
	secret envelope.Secret, seen map[string]struct{},
) (T, bool) {
	var zero T
	for {
		select {
		case <-ctx.Done():
			return zero, false
		case msg := <-sub.C:
			if msg.MessageID != "" {
				if _, dup := seen[msg.MessageID]; dup {
					continue
				}
				seen[msg.MessageID] = struct{}{}
			}
			decoded, err := envelope.Open(secret, msg.Payload)
			if err != nil {
				logrus.Debug("Dropping relay message that failed to open")
				continue
			}
			t, ok := decoded.(T)
			if !ok {
				logrus.Debug("Dropping relay message of unexpected kind")
				continue
			}
			return t, true
		}
	}
}
