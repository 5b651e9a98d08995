package internal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumen-im/lumen/backup"
	"github.com/lumen-im/lumen/devicelist"
	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/internal/caching"
	"github.com/lumen-im/lumen/linking/api"
	"github.com/lumen-im/lumen/linking/envelope"
	"github.com/lumen-im/lumen/linking/payload"
	"github.com/lumen-im/lumen/relay"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

// memRelay is an in-process store-and-forward relay: messages for a
// device without a listener are queued and replayed on attach, matching
// the durable transport's semantics. Every send is recorded once,
// regardless of how many times it is delivered.
type memRelay struct {
	mu        sync.Mutex
	subs      map[signing.DeviceID][]chan relay.InboundMessage
	pending   map[signing.DeviceID][]relay.InboundMessage
	sent      []sentMessage
	duplicate bool
	seq       int
}

type sentMessage struct {
	target  signing.DeviceID
	payload []byte
}

func newMemRelay() *memRelay {
	return &memRelay{
		subs:    make(map[signing.DeviceID][]chan relay.InboundMessage),
		pending: make(map[signing.DeviceID][]relay.InboundMessage),
	}
}

func (r *memRelay) Send(ctx context.Context, target signing.DeviceID, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	msg := relay.InboundMessage{
		MessageID: fmt.Sprintf("m%d", r.seq),
		Payload:   append([]byte(nil), payload...),
	}
	r.sent = append(r.sent, sentMessage{target: target, payload: msg.Payload})
	deliveries := 1
	if r.duplicate {
		deliveries = 2
	}
	for i := 0; i < deliveries; i++ {
		if chans := r.subs[target]; len(chans) > 0 {
			for _, ch := range chans {
				ch <- msg
			}
		} else {
			r.pending[target] = append(r.pending[target], msg)
		}
	}
	return nil
}

func (r *memRelay) AddListener(ctx context.Context, target signing.DeviceID) (*relay.Subscription, error) {
	ch := make(chan relay.InboundMessage, 128)
	r.mu.Lock()
	for _, msg := range r.pending[target] {
		ch <- msg
	}
	delete(r.pending, target)
	r.subs[target] = append(r.subs[target], ch)
	r.mu.Unlock()
	_, cancel := context.WithCancel(ctx)
	return relay.NewSubscription(ch, cancel), nil
}

func (r *memRelay) sentLog() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

type harness struct {
	cfg           *config.Linking
	relay         *memRelay
	deviceListAPI devicelistapi.DeviceListInternalAPI
	primary       signing.KeyPair
	authorizer    *Sessions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	caches, err := caching.NewRistrettoCache(8*caching.MB, false)
	require.NoError(t, err)
	primary, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	deviceListAPI := devicelist.NewInternalAPI(&config.DeviceListAPI{
		Database: config.DatabaseOptions{
			ConnectionString: "file::memory:",
		},
	}, primary, caches)
	var res devicelistapi.PerformDeviceListUpdateResponse
	require.NoError(t, deviceListAPI.PerformCreateDeviceList(context.Background(), &devicelistapi.PerformCreateDeviceListRequest{
		UserID:      "alice",
		DeviceClass: devicelistapi.DeviceClassMobile,
	}, &res))

	cfg := &config.Linking{
		PeerAckTimeout: 2 * time.Second,
		SessionTTL:     5 * time.Second,
	}
	r := newMemRelay()
	return &harness{
		cfg:           cfg,
		relay:         r,
		deviceListAPI: deviceListAPI,
		primary:       primary,
		authorizer:    NewSessions(cfg, deviceListAPI, r, primary),
	}
}

func (h *harness) newRegistrant(t *testing.T) (*Sessions, signing.KeyPair) {
	t.Helper()
	identity, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return NewSessions(h.cfg, h.deviceListAPI, h.relay, identity), identity
}

func awaitResult(t *testing.T, s api.Session) api.Result {
	t.Helper()
	select {
	case res := <-s.Result():
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("session did not resolve in time")
		return api.Result{}
	}
}

func (h *harness) roster(t *testing.T) *devicelistapi.RawDeviceList {
	t.Helper()
	var res devicelistapi.QueryVerifiedDeviceListResponse
	require.NoError(t, h.deviceListAPI.QueryVerifiedDeviceList(context.Background(), &devicelistapi.QueryVerifiedDeviceListRequest{
		UserID: "alice",
	}, &res))
	return &res.DeviceList
}

func TestLinkHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	registrantSessions, secondary := h.newRegistrant(t)

	reg, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass:       devicelistapi.DeviceClassWeb,
		Identity:          secondary,
		RequestBackupKeys: true,
	})
	require.NoError(t, err)

	auth, err := h.authorizer.StartAsAuthorizer(ctx, &api.StartAsAuthorizerRequest{
		ScannedPayload: reg.DisplayPayload(),
		UserID:         "alice",
		BackupKeys: func() (backup.Keys, error) {
			return backup.Keys{BackupDataKey: "data", BackupLogDataKey: "log"}, nil
		},
	})
	require.NoError(t, err)

	authRes := awaitResult(t, auth)
	assert.True(t, authRes.Linked)
	assert.Equal(t, "alice", authRes.UserID)

	regRes := awaitResult(t, reg)
	assert.True(t, regRes.Linked)
	assert.Equal(t, "alice", regRes.UserID)
	assert.Equal(t, h.primary.DeviceID, regRes.PrimaryDeviceID)
	require.NotNil(t, regRes.BackupKeys)
	assert.Equal(t, "data", regRes.BackupKeys.BackupDataKey)
	assert.Equal(t, "log", regRes.BackupKeys.BackupLogDataKey)

	assert.True(t, h.roster(t).Has(secondary.DeviceID))
}

func TestLinkWithoutBackupKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	registrantSessions, secondary := h.newRegistrant(t)

	reg, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass: devicelistapi.DeviceClassMobile,
		Identity:    secondary,
	})
	require.NoError(t, err)
	auth, err := h.authorizer.StartAsAuthorizer(ctx, &api.StartAsAuthorizerRequest{
		ScannedPayload: reg.DisplayPayload(),
		UserID:         "alice",
	})
	require.NoError(t, err)

	assert.True(t, awaitResult(t, auth).Linked)
	regRes := awaitResult(t, reg)
	assert.True(t, regRes.Linked)
	assert.Nil(t, regRes.BackupKeys)
}

func TestLinkSurvivesDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	h.relay.duplicate = true
	ctx := context.Background()
	registrantSessions, secondary := h.newRegistrant(t)

	reg, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass:       devicelistapi.DeviceClassWeb,
		Identity:          secondary,
		RequestBackupKeys: true,
	})
	require.NoError(t, err)
	auth, err := h.authorizer.StartAsAuthorizer(ctx, &api.StartAsAuthorizerRequest{
		ScannedPayload: reg.DisplayPayload(),
		UserID:         "alice",
		BackupKeys: func() (backup.Keys, error) {
			return backup.Keys{BackupDataKey: "data"}, nil
		},
	})
	require.NoError(t, err)

	assert.True(t, awaitResult(t, auth).Linked)
	assert.True(t, awaitResult(t, reg).Linked)

	// Decrypt the wire traffic with the session secret from the scanned
	// payload: despite every message being delivered twice, the backup
	// keys must have been sent exactly once, and only after the peer's
	// registration acknowledgment.
	p, err := payload.Decode(reg.DisplayPayload())
	require.NoError(t, err)
	backupSends, lastBackupIdx, regSuccessIdx := 0, -1, -1
	for i, m := range h.relay.sentLog() {
		msg, err := envelope.Open(p.Secret, m.payload)
		if err != nil {
			continue
		}
		switch msg.(type) {
		case *envelope.BackupDataKeyMessage:
			backupSends++
			lastBackupIdx = i
		case *envelope.RegistrationSuccess:
			regSuccessIdx = i
		}
	}
	assert.Equal(t, 1, backupSends)
	require.GreaterOrEqual(t, regSuccessIdx, 0)
	assert.Greater(t, lastBackupIdx, regSuccessIdx)
}

func TestLinkIgnoresGarbageOnTheWire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	registrantSessions, secondary := h.newRegistrant(t)

	reg, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass: devicelistapi.DeviceClassWeb,
		Identity:    secondary,
	})
	require.NoError(t, err)

	// Junk addressed to both sides must be dropped silently.
	require.NoError(t, h.relay.Send(ctx, secondary.DeviceID, []byte("junk")))
	require.NoError(t, h.relay.Send(ctx, h.primary.DeviceID, []byte(`{"kind":"registration_success"}`)))

	auth, err := h.authorizer.StartAsAuthorizer(ctx, &api.StartAsAuthorizerRequest{
		ScannedPayload: reg.DisplayPayload(),
		UserID:         "alice",
	})
	require.NoError(t, err)

	assert.True(t, awaitResult(t, auth).Linked)
	assert.True(t, awaitResult(t, reg).Linked)
}

func TestStartAsAuthorizerBadPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.authorizer.StartAsAuthorizer(context.Background(), &api.StartAsAuthorizerRequest{
		ScannedPayload: "https://example.com/not-a-linking-payload",
		UserID:         "alice",
	})
	assert.ErrorIs(t, err, api.ErrBadPayload)
}

func TestOneSessionAtATime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	registrantSessions, secondary := h.newRegistrant(t)

	reg, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass: devicelistapi.DeviceClassWeb,
		Identity:    secondary,
	})
	require.NoError(t, err)

	_, err = registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass: devicelistapi.DeviceClassWeb,
		Identity:    secondary,
	})
	assert.ErrorIs(t, err, api.ErrSessionAlreadyActive)

	// Once the first session resolves the slot frees up.
	reg.Cancel()
	res := awaitResult(t, reg)
	assert.False(t, res.Linked)
	assert.Equal(t, api.FailureCancelled, res.Reason)

	second, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass: devicelistapi.DeviceClassWeb,
		Identity:    secondary,
	})
	require.NoError(t, err)
	second.Cancel()
}

func TestAuthorizerTimeoutKeepsRoster(t *testing.T) {
	h := newHarness(t)
	h.cfg.PeerAckTimeout = 50 * time.Millisecond
	ctx := context.Background()

	// A payload scanned from a registrant that never comes online.
	ghost, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	p := payload.Payload{DeviceClass: devicelistapi.DeviceClassWeb, DeviceID: ghost.DeviceID}
	scanned, err := p.Encode()
	require.NoError(t, err)

	auth, err := h.authorizer.StartAsAuthorizer(ctx, &api.StartAsAuthorizerRequest{
		ScannedPayload: scanned,
		UserID:         "alice",
	})
	require.NoError(t, err)

	res := awaitResult(t, auth)
	assert.False(t, res.Linked)
	assert.Equal(t, api.FailureTimeout, res.Reason)

	// The optimistic roster update is retained; removal is an explicit
	// follow-up, not an automatic rollback.
	assert.True(t, h.roster(t).Has(ghost.DeviceID))
}

func TestKeyserverReplaceNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incumbent, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	var res devicelistapi.PerformDeviceListUpdateResponse
	require.NoError(t, h.deviceListAPI.PerformAddDevice(ctx, &devicelistapi.PerformAddDeviceRequest{
		UserID:      "alice",
		NewDeviceID: incumbent.DeviceID,
		DeviceClass: devicelistapi.DeviceClassKeyserver,
	}, &res))

	registrantSessions, replacement := h.newRegistrant(t)
	reg, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass: devicelistapi.DeviceClassKeyserver,
		Identity:    replacement,
	})
	require.NoError(t, err)

	var confirmedOld signing.DeviceID
	auth, err := h.authorizer.StartAsAuthorizer(ctx, &api.StartAsAuthorizerRequest{
		ScannedPayload: reg.DisplayPayload(),
		UserID:         "alice",
		ConfirmReplace: func(ctx context.Context, old signing.DeviceID) bool {
			confirmedOld = old
			return true
		},
	})
	require.NoError(t, err)

	assert.True(t, awaitResult(t, auth).Linked)
	assert.True(t, awaitResult(t, reg).Linked)
	assert.Equal(t, incumbent.DeviceID, confirmedOld)

	roster := h.roster(t)
	assert.True(t, roster.Has(replacement.DeviceID))
	assert.False(t, roster.Has(incumbent.DeviceID))
}

func TestKeyserverReplaceDeclined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incumbent, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	var res devicelistapi.PerformDeviceListUpdateResponse
	require.NoError(t, h.deviceListAPI.PerformAddDevice(ctx, &devicelistapi.PerformAddDeviceRequest{
		UserID:      "alice",
		NewDeviceID: incumbent.DeviceID,
		DeviceClass: devicelistapi.DeviceClassKeyserver,
	}, &res))

	registrantSessions, replacement := h.newRegistrant(t)
	reg, err := registrantSessions.StartAsRegistrant(ctx, &api.StartAsRegistrantRequest{
		DeviceClass: devicelistapi.DeviceClassKeyserver,
		Identity:    replacement,
	})
	require.NoError(t, err)
	defer reg.Cancel()

	// No ConfirmReplace callback means the replacement is declined.
	auth, err := h.authorizer.StartAsAuthorizer(ctx, &api.StartAsAuthorizerRequest{
		ScannedPayload: reg.DisplayPayload(),
		UserID:         "alice",
	})
	require.NoError(t, err)

	authRes := awaitResult(t, auth)
	assert.False(t, authRes.Linked)
	assert.Equal(t, api.FailureDeclined, authRes.Reason)

	roster := h.roster(t)
	assert.True(t, roster.Has(incumbent.DeviceID))
	assert.False(t, roster.Has(replacement.DeviceID))
}

func TestVerifyPrimaryContinuity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Simulate a primary restore: the restored device takes over the
	// primary slot under a new device ID.
	restoredIdentity, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	var res devicelistapi.PerformDeviceListUpdateResponse
	require.NoError(t, h.deviceListAPI.PerformReplaceDevice(ctx, &devicelistapi.PerformReplaceDeviceRequest{
		UserID:      "alice",
		OldDeviceID: h.primary.DeviceID,
		NewDeviceID: restoredIdentity.DeviceID,
		DeviceClass: devicelistapi.DeviceClassMobile,
	}, &res))

	// Material restored from backup is the old primary's keypair.
	restored := signing.NewKeyPair(h.primary.PrivateKey)
	assert.NoError(t, h.authorizer.VerifyPrimaryContinuity(ctx, "alice", restored))

	impostor, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	assert.ErrorIs(t, h.authorizer.VerifyPrimaryContinuity(ctx, "alice", impostor), api.ErrSigningContinuity)
}

func TestVerifyPrimaryContinuityNeedsHistory(t *testing.T) {
	h := newHarness(t)
	// Only the initial snapshot exists: there is no previous primary to
	// prove continuity with.
	err := h.authorizer.VerifyPrimaryContinuity(context.Background(), "alice", h.primary)
	assert.ErrorIs(t, err, api.ErrSigningContinuity)
}
