package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/devicelist/storage"
	"github.com/lumen-im/lumen/internal/caching"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

func newTestAPI(t *testing.T) (*DeviceListInternalAPI, signing.KeyPair) {
	t.Helper()
	db, err := storage.NewDatabase(&config.DatabaseOptions{
		ConnectionString: "file::memory:",
	})
	require.NoError(t, err)
	caches, err := caching.NewRistrettoCache(8*caching.MB, false)
	require.NoError(t, err)
	signer, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return NewDeviceListInternalAPI(db, signer, caches), signer
}

func mustDeviceID(t *testing.T) signing.DeviceID {
	t.Helper()
	pair, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return pair.DeviceID
}

func createList(t *testing.T, a *DeviceListInternalAPI, userID string) api.SignedDeviceList {
	t.Helper()
	var res api.PerformDeviceListUpdateResponse
	err := a.PerformCreateDeviceList(context.Background(), &api.PerformCreateDeviceListRequest{
		UserID:      userID,
		DeviceClass: api.DeviceClassMobile,
	}, &res)
	require.NoError(t, err)
	return res.DeviceList
}

func TestCreateDeviceList(t *testing.T) {
	a, signer := newTestAPI(t)
	ctx := context.Background()

	created := createList(t, a, "alice")
	raw, err := created.Raw()
	require.NoError(t, err)
	assert.Equal(t, []signing.DeviceID{signer.DeviceID}, raw.Devices)
	assert.EqualValues(t, 1, raw.SequenceIndex)

	// Creating again is a no-op, not a second snapshot.
	var res api.PerformDeviceListUpdateResponse
	err = a.PerformCreateDeviceList(ctx, &api.PerformCreateDeviceListRequest{
		UserID:      "alice",
		DeviceClass: api.DeviceClassMobile,
	}, &res)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
}

func TestAddDeviceIsIdempotent(t *testing.T) {
	a, signer := newTestAPI(t)
	ctx := context.Background()
	createList(t, a, "alice")

	newDevice := mustDeviceID(t)
	var res api.PerformDeviceListUpdateResponse
	req := api.PerformAddDeviceRequest{
		UserID:      "alice",
		NewDeviceID: newDevice,
		DeviceClass: api.DeviceClassWeb,
	}
	require.NoError(t, a.PerformAddDevice(ctx, &req, &res))
	assert.False(t, res.Unchanged)

	raw, err := res.DeviceList.Raw()
	require.NoError(t, err)
	assert.Equal(t, []signing.DeviceID{signer.DeviceID, newDevice}, raw.Devices)
	assert.EqualValues(t, 2, raw.SequenceIndex)

	// Same add again: no new snapshot.
	var again api.PerformDeviceListUpdateResponse
	require.NoError(t, a.PerformAddDevice(ctx, &req, &again))
	assert.True(t, again.Unchanged)

	var history api.QueryDeviceListHistoryResponse
	require.NoError(t, a.QueryDeviceListHistory(ctx, &api.QueryDeviceListHistoryRequest{UserID: "alice"}, &history))
	assert.Len(t, history.History, 2)
}

func TestAddDeviceWithoutRoster(t *testing.T) {
	a, _ := newTestAPI(t)
	var res api.PerformDeviceListUpdateResponse
	err := a.PerformAddDevice(context.Background(), &api.PerformAddDeviceRequest{
		UserID:      "nobody",
		NewDeviceID: mustDeviceID(t),
		DeviceClass: api.DeviceClassWeb,
	}, &res)
	assert.ErrorIs(t, err, api.ErrRosterUnavailable)
}

func TestReplaceDeviceKeepsPosition(t *testing.T) {
	a, signer := newTestAPI(t)
	ctx := context.Background()
	createList(t, a, "alice")

	oldKeyserver := mustDeviceID(t)
	web := mustDeviceID(t)
	var res api.PerformDeviceListUpdateResponse
	require.NoError(t, a.PerformAddDevice(ctx, &api.PerformAddDeviceRequest{
		UserID: "alice", NewDeviceID: oldKeyserver, DeviceClass: api.DeviceClassKeyserver,
	}, &res))
	require.NoError(t, a.PerformAddDevice(ctx, &api.PerformAddDeviceRequest{
		UserID: "alice", NewDeviceID: web, DeviceClass: api.DeviceClassWeb,
	}, &res))

	newKeyserver := mustDeviceID(t)
	require.NoError(t, a.PerformReplaceDevice(ctx, &api.PerformReplaceDeviceRequest{
		UserID:      "alice",
		OldDeviceID: oldKeyserver,
		NewDeviceID: newKeyserver,
		DeviceClass: api.DeviceClassKeyserver,
	}, &res))

	raw, err := res.DeviceList.Raw()
	require.NoError(t, err)
	assert.Equal(t, []signing.DeviceID{signer.DeviceID, newKeyserver, web}, raw.Devices)

	// The keyserver lookup follows the replacement.
	var ks api.QueryKeyserverDeviceResponse
	require.NoError(t, a.QueryKeyserverDevice(ctx, &api.QueryKeyserverDeviceRequest{UserID: "alice"}, &ks))
	assert.True(t, ks.Exists)
	assert.Equal(t, newKeyserver, ks.DeviceID)
}

func TestRemoveDevice(t *testing.T) {
	a, signer := newTestAPI(t)
	ctx := context.Background()
	createList(t, a, "alice")

	device := mustDeviceID(t)
	var res api.PerformDeviceListUpdateResponse
	require.NoError(t, a.PerformAddDevice(ctx, &api.PerformAddDeviceRequest{
		UserID: "alice", NewDeviceID: device, DeviceClass: api.DeviceClassWeb,
	}, &res))
	require.NoError(t, a.PerformRemoveDevice(ctx, &api.PerformRemoveDeviceRequest{
		UserID: "alice", DeviceID: device,
	}, &res))

	raw, err := res.DeviceList.Raw()
	require.NoError(t, err)
	assert.Equal(t, []signing.DeviceID{signer.DeviceID}, raw.Devices)

	// Removing an absent device is a no-op.
	var again api.PerformDeviceListUpdateResponse
	require.NoError(t, a.PerformRemoveDevice(ctx, &api.PerformRemoveDeviceRequest{
		UserID: "alice", DeviceID: device,
	}, &again))
	assert.True(t, again.Unchanged)
}

func TestRemovePrimaryIsRefused(t *testing.T) {
	a, signer := newTestAPI(t)
	createList(t, a, "alice")

	var res api.PerformDeviceListUpdateResponse
	err := a.PerformRemoveDevice(context.Background(), &api.PerformRemoveDeviceRequest{
		UserID: "alice", DeviceID: signer.DeviceID,
	}, &res)
	assert.ErrorIs(t, err, api.ErrSigningFailure)
}

func TestQueryVerifiedDeviceList(t *testing.T) {
	a, signer := newTestAPI(t)
	ctx := context.Background()
	createList(t, a, "alice")

	device := mustDeviceID(t)
	var res api.PerformDeviceListUpdateResponse
	require.NoError(t, a.PerformAddDevice(ctx, &api.PerformAddDeviceRequest{
		UserID: "alice", NewDeviceID: device, DeviceClass: api.DeviceClassWeb,
	}, &res))

	var verified api.QueryVerifiedDeviceListResponse
	require.NoError(t, a.QueryVerifiedDeviceList(ctx, &api.QueryVerifiedDeviceListRequest{UserID: "alice"}, &verified))
	assert.Equal(t, []signing.DeviceID{signer.DeviceID, device}, verified.DeviceList.Devices)
	assert.EqualValues(t, 2, verified.DeviceList.SequenceIndex)
}

func TestCreateWithoutSigningKey(t *testing.T) {
	a, _ := newTestAPI(t)
	a.Signer = signing.KeyPair{}

	var res api.PerformDeviceListUpdateResponse
	err := a.PerformCreateDeviceList(context.Background(), &api.PerformCreateDeviceListRequest{
		UserID:      "alice",
		DeviceClass: api.DeviceClassMobile,
	}, &res)
	assert.ErrorIs(t, err, api.ErrSigningFailure)
}

func TestReplacePrimaryHandoff(t *testing.T) {
	a, signer := newTestAPI(t)
	ctx := context.Background()
	createList(t, a, "alice")

	successor := mustDeviceID(t)
	var res api.PerformDeviceListUpdateResponse
	require.NoError(t, a.PerformReplaceDevice(ctx, &api.PerformReplaceDeviceRequest{
		UserID: "alice", OldDeviceID: signer.DeviceID, NewDeviceID: successor,
		DeviceClass: api.DeviceClassMobile,
	}, &res))

	// The outgoing primary cannot sign on behalf of its successor; the
	// handoff snapshot carries a last-primary signature only.
	assert.Empty(t, res.DeviceList.CurPrimarySignature)
	assert.NotEmpty(t, res.DeviceList.LastPrimarySignature)

	// A reader with nothing cached must accept the full chain.
	coldCaches, err := caching.NewRistrettoCache(8*caching.MB, false)
	require.NoError(t, err)
	cold := NewDeviceListInternalAPI(a.DB, signer, coldCaches)
	var verified api.QueryVerifiedDeviceListResponse
	require.NoError(t, cold.QueryVerifiedDeviceList(ctx, &api.QueryVerifiedDeviceListRequest{UserID: "alice"}, &verified))
	primary, ok := verified.DeviceList.PrimaryDeviceID()
	require.True(t, ok)
	assert.Equal(t, successor, primary)

	// Having handed the primary role away, this device may no longer
	// publish snapshots.
	err = a.PerformAddDevice(ctx, &api.PerformAddDeviceRequest{
		UserID: "alice", NewDeviceID: mustDeviceID(t), DeviceClass: api.DeviceClassWeb,
	}, &res)
	assert.ErrorIs(t, err, api.ErrSigningFailure)
}
