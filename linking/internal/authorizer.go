package internal

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lumen-im/lumen/backup"
	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/linking/api"
	"github.com/lumen-im/lumen/linking/envelope"
	"github.com/lumen-im/lumen/linking/payload"
)

// StartAsAuthorizer implements api.LinkingAPI.
func (m *Sessions) StartAsAuthorizer(ctx context.Context, req *api.StartAsAuthorizerRequest) (api.Session, error) {
	p, err := payload.Decode(req.ScannedPayload)
	if err != nil {
		return nil, api.ErrBadPayload
	}
	s, err := m.begin(ctx, "authorizer")
	if err != nil {
		return nil, err
	}
	go m.runAuthorizer(s, req, p)
	return s, nil
}

// runAuthorizer drives the primary's side of the handshake: update the
// roster first, then tell the registrant, then wait for its ack and
// transfer the backup keys if asked. The roster update is deliberately
// not rolled back on later failure; the registrant acked nothing yet
// but the account state must never regress underneath a device that
// did complete. PerformRemoveDevice is the explicit compensation.
func (m *Sessions) runAuthorizer(s *session, req *api.StartAsAuthorizerRequest, p *payload.Payload) {
	log := logrus.WithFields(logrus.Fields{
		"session_id": s.id,
		"user_id":    req.UserID,
		"device":     string(p.DeviceID),
	})

	// Attach our listener before the registrant can possibly answer, so
	// the ack cannot slip past us.
	sub, err := m.Relay.AddListener(s.ctx, m.Identity.DeviceID)
	if err != nil {
		s.fail(api.FailureInternal, err)
		return
	}
	defer sub.Close()

	if err := m.updateRoster(s.ctx, req, p); err != nil {
		switch err {
		case errReplaceDeclined:
			s.fail(api.FailureDeclined, nil)
		default:
			log.WithError(err).Error("Roster update failed")
			s.fail(api.FailureRosterUnavailable, err)
		}
		return
	}
	log.Info("Roster updated for new device")

	sealed, err := envelope.Seal(p.Secret, &envelope.DeviceListUpdateSuccess{
		UserID:          req.UserID,
		PrimaryDeviceID: string(m.Identity.DeviceID),
	})
	if err != nil {
		s.fail(api.FailureInternal, err)
		return
	}
	if err := m.Relay.Send(s.ctx, p.DeviceID, sealed); err != nil {
		s.fail(api.FailureInternal, err)
		return
	}

	ackCtx, cancel := context.WithTimeout(s.ctx, m.Cfg.PeerAckTimeout)
	defer cancel()
	seen := make(map[string]struct{})
	ack, ok := awaitMessage[*envelope.RegistrationSuccess](ackCtx, sub, p.Secret, seen)
	if !ok {
		log.Warn("Timed out waiting for registration success")
		s.fail(api.FailureTimeout, nil)
		return
	}

	if ack.RequestBackupKeys {
		var keys backup.Keys
		if req.BackupKeys != nil {
			if keys, err = req.BackupKeys(); err != nil {
				s.fail(api.FailureInternal, err)
				return
			}
		}
		sealed, err := envelope.Seal(p.Secret, &envelope.BackupDataKeyMessage{
			BackupDataKey:    keys.BackupDataKey,
			BackupLogDataKey: keys.BackupLogDataKey,
		})
		if err != nil {
			s.fail(api.FailureInternal, err)
			return
		}
		if err := m.Relay.Send(s.ctx, p.DeviceID, sealed); err != nil {
			s.fail(api.FailureInternal, err)
			return
		}
		log.Info("Backup keys transferred")
	}

	s.resolve(api.Result{Linked: true, UserID: req.UserID, PrimaryDeviceID: m.Identity.DeviceID})
}

// errReplaceDeclined is an internal marker for a declined keyserver
// replacement.
var errReplaceDeclined = declineError{}

type declineError struct{}

func (declineError) Error() string { return "replacement declined" }

// updateRoster adds the scanned device to the user's device list. A
// singular device class that is already occupied needs the user's
// explicit confirmation before the incumbent is replaced.
func (m *Sessions) updateRoster(ctx context.Context, req *api.StartAsAuthorizerRequest, p *payload.Payload) error {
	var updateRes devicelistapi.PerformDeviceListUpdateResponse
	if p.DeviceClass.Singular() {
		var current devicelistapi.QueryKeyserverDeviceResponse
		err := m.DeviceListAPI.QueryKeyserverDevice(ctx, &devicelistapi.QueryKeyserverDeviceRequest{
			UserID: req.UserID,
		}, &current)
		if err != nil {
			return err
		}
		if current.Exists && current.DeviceID != p.DeviceID {
			if req.ConfirmReplace == nil || !req.ConfirmReplace(ctx, current.DeviceID) {
				return errReplaceDeclined
			}
			return m.DeviceListAPI.PerformReplaceDevice(ctx, &devicelistapi.PerformReplaceDeviceRequest{
				UserID:      req.UserID,
				OldDeviceID: current.DeviceID,
				NewDeviceID: p.DeviceID,
				DeviceClass: p.DeviceClass,
			}, &updateRes)
		}
	}
	return m.DeviceListAPI.PerformAddDevice(ctx, &devicelistapi.PerformAddDeviceRequest{
		UserID:      req.UserID,
		NewDeviceID: p.DeviceID,
		DeviceClass: p.DeviceClass,
	}, &updateRes)
}
