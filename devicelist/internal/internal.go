package internal

import (
	"context"
	"crypto/ed25519"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/devicelist/storage"
	"github.com/lumen-im/lumen/internal"
	"github.com/lumen-im/lumen/internal/caching"
	"github.com/lumen-im/lumen/signing"
)

var deviceListMutations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lumen",
		Subsystem: "devicelistapi",
		Name:      "mutations_total",
		Help:      "Number of device list snapshots published, by operation.",
	},
	[]string{"operation"},
)

// DeviceListInternalAPI is the reference implementation of the device
// list contract, backed by the append-only history store. All mutations
// for a user are serialised behind a per-user mutex and every published
// snapshot is signed by the local primary identity.
type DeviceListInternalAPI struct {
	DB     storage.Database
	Signer signing.KeyPair
	Cache  *caching.Caches

	mutexes *internal.MutexByUser
}

func NewDeviceListInternalAPI(db storage.Database, signer signing.KeyPair, cache *caching.Caches) *DeviceListInternalAPI {
	return &DeviceListInternalAPI{
		DB:      db,
		Signer:  signer,
		Cache:   cache,
		mutexes: internal.NewMutexByUser(),
	}
}

func (a *DeviceListInternalAPI) QueryDeviceListHistory(ctx context.Context, req *api.QueryDeviceListHistoryRequest, res *api.QueryDeviceListHistoryResponse) error {
	history, err := a.DB.DeviceListHistory(ctx, req.UserID)
	if err != nil {
		return wrapUnavailable(err)
	}
	res.History = history
	return nil
}

func (a *DeviceListInternalAPI) QueryVerifiedDeviceList(ctx context.Context, req *api.QueryVerifiedDeviceListRequest, res *api.QueryVerifiedDeviceListResponse) error {
	// Snapshots in the cache have either been published by us or already
	// verified against the full history, so a hit skips re-verification.
	if cached, ok := a.Cache.DeviceLists.Get(req.UserID); ok {
		if raw, err := cached.Raw(); err == nil {
			res.DeviceList = raw
			return nil
		}
	}
	history, err := a.DB.DeviceListHistory(ctx, req.UserID)
	if err != nil {
		return wrapUnavailable(err)
	}
	raw, err := api.VerifyDeviceListHistory(history)
	if err != nil {
		return err
	}
	a.Cache.DeviceLists.Set(req.UserID, history[len(history)-1])
	res.DeviceList = raw
	return nil
}

func (a *DeviceListInternalAPI) QueryKeyserverDevice(ctx context.Context, req *api.QueryKeyserverDeviceRequest, res *api.QueryKeyserverDeviceResponse) error {
	deviceID, exists, err := a.DB.KeyserverDeviceID(ctx, req.UserID)
	if err != nil {
		return wrapUnavailable(err)
	}
	res.DeviceID = deviceID
	res.Exists = exists
	return nil
}

func (a *DeviceListInternalAPI) PerformCreateDeviceList(ctx context.Context, req *api.PerformCreateDeviceListRequest, res *api.PerformDeviceListUpdateResponse) error {
	a.mutexes.Lock(req.UserID)
	defer a.mutexes.Unlock(req.UserID)

	latest, err := a.DB.LatestDeviceList(ctx, req.UserID)
	if err != nil {
		return wrapUnavailable(err)
	}
	if latest != nil {
		res.DeviceList = *latest
		res.Unchanged = true
		return nil
	}
	next := api.RawDeviceList{
		Devices:       []signing.DeviceID{a.Signer.DeviceID},
		SequenceIndex: 1,
	}
	return a.publish(ctx, req.UserID, next, "", res, "create",
		map[signing.DeviceID]api.DeviceClass{a.Signer.DeviceID: req.DeviceClass}, nil)
}

func (a *DeviceListInternalAPI) PerformAddDevice(ctx context.Context, req *api.PerformAddDeviceRequest, res *api.PerformDeviceListUpdateResponse) error {
	a.mutexes.Lock(req.UserID)
	defer a.mutexes.Unlock(req.UserID)

	raw, latest, err := a.latestRaw(ctx, req.UserID)
	if err != nil {
		return err
	}
	if raw.Has(req.NewDeviceID) {
		res.DeviceList = *latest
		res.Unchanged = true
		return nil
	}
	next := api.RawDeviceList{
		Devices:       append(append([]signing.DeviceID{}, raw.Devices...), req.NewDeviceID),
		SequenceIndex: raw.SequenceIndex + 1,
	}
	prevPrimary, _ := raw.PrimaryDeviceID()
	return a.publish(ctx, req.UserID, next, prevPrimary, res, "add",
		map[signing.DeviceID]api.DeviceClass{req.NewDeviceID: req.DeviceClass}, nil)
}

func (a *DeviceListInternalAPI) PerformReplaceDevice(ctx context.Context, req *api.PerformReplaceDeviceRequest, res *api.PerformDeviceListUpdateResponse) error {
	a.mutexes.Lock(req.UserID)
	defer a.mutexes.Unlock(req.UserID)

	raw, latest, err := a.latestRaw(ctx, req.UserID)
	if err != nil {
		return err
	}
	if raw.Has(req.NewDeviceID) && !raw.Has(req.OldDeviceID) {
		res.DeviceList = *latest
		res.Unchanged = true
		return nil
	}
	devices := make([]signing.DeviceID, 0, len(raw.Devices))
	replaced := false
	for _, d := range raw.Devices {
		if d == req.OldDeviceID {
			devices = append(devices, req.NewDeviceID)
			replaced = true
			continue
		}
		devices = append(devices, d)
	}
	if !replaced {
		// The device being replaced disappeared underneath us; fall back
		// to a plain append so the new device still joins the roster.
		devices = append(devices, req.NewDeviceID)
	}
	next := api.RawDeviceList{Devices: devices, SequenceIndex: raw.SequenceIndex + 1}
	prevPrimary, _ := raw.PrimaryDeviceID()
	return a.publish(ctx, req.UserID, next, prevPrimary, res, "replace",
		map[signing.DeviceID]api.DeviceClass{req.NewDeviceID: req.DeviceClass},
		[]signing.DeviceID{req.OldDeviceID})
}

func (a *DeviceListInternalAPI) PerformRemoveDevice(ctx context.Context, req *api.PerformRemoveDeviceRequest, res *api.PerformDeviceListUpdateResponse) error {
	a.mutexes.Lock(req.UserID)
	defer a.mutexes.Unlock(req.UserID)

	raw, latest, err := a.latestRaw(ctx, req.UserID)
	if err != nil {
		return err
	}
	if !raw.Has(req.DeviceID) {
		res.DeviceList = *latest
		res.Unchanged = true
		return nil
	}
	if primary, ok := raw.PrimaryDeviceID(); ok && primary == req.DeviceID {
		// Removing the primary would orphan the signing chain.
		return api.ErrSigningFailure
	}
	devices := make([]signing.DeviceID, 0, len(raw.Devices)-1)
	for _, d := range raw.Devices {
		if d != req.DeviceID {
			devices = append(devices, d)
		}
	}
	next := api.RawDeviceList{Devices: devices, SequenceIndex: raw.SequenceIndex + 1}
	prevPrimary, _ := raw.PrimaryDeviceID()
	return a.publish(ctx, req.UserID, next, prevPrimary, res, "remove",
		nil, []signing.DeviceID{req.DeviceID})
}

// latestRaw loads and decodes the newest snapshot, failing with
// ErrRosterUnavailable when the user has no device list yet. Callers
// must hold the user's mutex.
func (a *DeviceListInternalAPI) latestRaw(ctx context.Context, userID string) (api.RawDeviceList, *api.SignedDeviceList, error) {
	latest, err := a.DB.LatestDeviceList(ctx, userID)
	if err != nil {
		return api.RawDeviceList{}, nil, wrapUnavailable(err)
	}
	if latest == nil {
		return api.RawDeviceList{}, nil, api.ErrRosterUnavailable
	}
	raw, err := latest.Raw()
	if err != nil {
		return api.RawDeviceList{}, nil, err
	}
	return raw, latest, nil
}

func (a *DeviceListInternalAPI) publish(
	ctx context.Context, userID string, next api.RawDeviceList, prevPrimary signing.DeviceID,
	res *api.PerformDeviceListUpdateResponse, operation string,
	addDevices map[signing.DeviceID]api.DeviceClass, removeDevices []signing.DeviceID,
) error {
	signed, err := a.sign(next, prevPrimary)
	if err != nil {
		return err
	}
	if err := a.DB.AppendDeviceList(ctx, userID, signed, addDevices, removeDevices); err != nil {
		return wrapUnavailable(err)
	}
	a.Cache.DeviceLists.Set(userID, signed)
	deviceListMutations.WithLabelValues(operation).Inc()
	logrus.WithFields(logrus.Fields{
		"user_id":        userID,
		"operation":      operation,
		"sequence_index": next.SequenceIndex,
		"devices":        len(next.Devices),
	}).Info("Published device list snapshot")
	res.DeviceList = signed
	return nil
}

// sign produces the signed snapshot for a new raw list. The local
// signer must be the snapshot's primary, except for a primary handoff
// where the outgoing primary vouches for its successor with a
// last-primary signature instead. A non-primary device never signs,
// and a list that names the same device twice is never signed.
func (a *DeviceListInternalAPI) sign(raw api.RawDeviceList, prevPrimary signing.DeviceID) (api.SignedDeviceList, error) {
	if len(a.Signer.PrivateKey) != ed25519.PrivateKeySize {
		return api.SignedDeviceList{}, api.ErrSigningFailure
	}
	seen := make(map[signing.DeviceID]struct{}, len(raw.Devices))
	for _, d := range raw.Devices {
		if _, dup := seen[d]; dup {
			return api.SignedDeviceList{}, api.ErrSigningFailure
		}
		seen[d] = struct{}{}
	}
	primary, ok := raw.PrimaryDeviceID()
	if !ok {
		return api.SignedDeviceList{}, api.ErrSigningFailure
	}
	encoded, err := raw.Encode()
	if err != nil {
		return api.SignedDeviceList{}, err
	}
	signed := api.SignedDeviceList{
		RawDeviceList:  encoded,
		SignerDeviceID: a.Signer.DeviceID,
	}
	switch a.Signer.DeviceID {
	case primary:
		signed.CurPrimarySignature = a.Signer.Sign([]byte(encoded))
	case prevPrimary:
		// Primary handoff. The new primary's key material is not held
		// here, so the snapshot carries only the outgoing primary's
		// signature; the chain verifier checks it against the previous
		// snapshot's primary.
		signed.LastPrimarySignature = a.Signer.Sign([]byte(encoded))
	default:
		return api.SignedDeviceList{}, api.ErrSigningFailure
	}
	return signed, nil
}

func wrapUnavailable(err error) error {
	logrus.WithError(err).Error("Device list storage failure")
	return api.ErrRosterUnavailable
}
