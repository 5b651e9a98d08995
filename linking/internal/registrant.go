package internal

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/lumen-im/lumen/backup"
	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/linking/api"
	"github.com/lumen-im/lumen/linking/envelope"
	"github.com/lumen-im/lumen/linking/payload"
	"github.com/lumen-im/lumen/signing"
)

// StartAsRegistrant implements api.LinkingAPI.
func (m *Sessions) StartAsRegistrant(ctx context.Context, req *api.StartAsRegistrantRequest) (api.RegistrantSession, error) {
	if len(req.Identity.PrivateKey) == 0 {
		return nil, errors.New("linking: registrant identity required")
	}
	secret, err := envelope.GenerateSecret()
	if err != nil {
		return nil, err
	}
	p := payload.Payload{
		DeviceClass: req.DeviceClass,
		Secret:      secret,
		DeviceID:    req.Identity.DeviceID,
	}
	display, err := p.Encode()
	if err != nil {
		return nil, err
	}
	s, err := m.begin(ctx, "registrant")
	if err != nil {
		return nil, err
	}
	s.payload = display
	go m.runRegistrant(s, req, secret)
	return s, nil
}

// runRegistrant drives the new device's side: listen before the QR code
// can be scanned, wait for the authorizer to confirm the roster update,
// check the published roster actually names us, ack, and optionally
// wait for the backup keys.
func (m *Sessions) runRegistrant(s *session, req *api.StartAsRegistrantRequest, secret envelope.Secret) {
	log := logrus.WithFields(logrus.Fields{
		"session_id": s.id,
		"device":     string(req.Identity.DeviceID),
	})

	sub, err := m.Relay.AddListener(s.ctx, req.Identity.DeviceID)
	if err != nil {
		s.fail(api.FailureInternal, err)
		return
	}
	defer sub.Close()

	// The scan can happen any time within the session TTL, so this wait
	// runs on the session context rather than the peer ack timeout.
	seen := make(map[string]struct{})
	update, ok := awaitMessage[*envelope.DeviceListUpdateSuccess](s.ctx, sub, secret, seen)
	if !ok {
		s.fail(api.FailureTimeout, nil)
		return
	}
	log = log.WithField("user_id", update.UserID)
	log.Info("Device list update confirmed by authorizer")

	if err := m.verifyMembership(s.ctx, update.UserID, req.Identity.DeviceID); err != nil {
		var verification *devicelistapi.VerificationFailure
		if errors.As(err, &verification) {
			s.fail(api.FailureSigningContinuity, err)
		} else {
			s.fail(api.FailureRosterUnavailable, err)
		}
		return
	}

	sealed, err := envelope.Seal(secret, &envelope.RegistrationSuccess{
		RequestBackupKeys: req.RequestBackupKeys,
	})
	if err != nil {
		s.fail(api.FailureInternal, err)
		return
	}
	primary := signing.DeviceID(update.PrimaryDeviceID)
	if err := m.Relay.Send(s.ctx, primary, sealed); err != nil {
		s.fail(api.FailureInternal, err)
		return
	}

	result := api.Result{
		Linked:          true,
		UserID:          update.UserID,
		PrimaryDeviceID: primary,
	}
	if req.RequestBackupKeys {
		keysCtx, cancel := context.WithTimeout(s.ctx, m.Cfg.PeerAckTimeout)
		defer cancel()
		msg, ok := awaitMessage[*envelope.BackupDataKeyMessage](keysCtx, sub, secret, seen)
		if !ok {
			s.fail(api.FailureTimeout, nil)
			return
		}
		result.BackupKeys = &backup.Keys{
			BackupDataKey:    msg.BackupDataKey,
			BackupLogDataKey: msg.BackupLogDataKey,
		}
		log.Info("Backup keys received")
	}
	s.resolve(result)
}

// verifyMembership re-reads the published roster through the verifying
// query and checks that it names this device. A roster that does not is
// treated the same as a broken signature chain: we were told we were
// added, and the authoritative state disagrees.
func (m *Sessions) verifyMembership(ctx context.Context, userID string, deviceID signing.DeviceID) error {
	var res devicelistapi.QueryVerifiedDeviceListResponse
	err := m.DeviceListAPI.QueryVerifiedDeviceList(ctx, &devicelistapi.QueryVerifiedDeviceListRequest{
		UserID: userID,
	}, &res)
	if err != nil {
		return err
	}
	if !res.DeviceList.Has(deviceID) {
		return &devicelistapi.VerificationFailure{
			Reason:        devicelistapi.VerificationDeviceNotListed,
			SequenceIndex: res.DeviceList.SequenceIndex,
		}
	}
	return nil
}
