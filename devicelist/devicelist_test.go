package devicelist

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/devicelist/internal"
	"github.com/lumen-im/lumen/devicelist/storage"
	"github.com/lumen-im/lumen/internal/caching"
	"github.com/lumen-im/lumen/internal/httputil"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

// TestInternalAPIOverHTTP runs the reference implementation behind the
// internal HTTP routes and drives it through the client that
// NewInternalAPI returns when an internal API URL is configured.
func TestInternalAPIOverHTTP(t *testing.T) {
	db, err := storage.NewDatabase(&config.DatabaseOptions{
		ConnectionString: "file::memory:",
	})
	require.NoError(t, err)
	caches, err := caching.NewRistrettoCache(8*caching.MB, false)
	require.NoError(t, err)
	signer, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	local := internal.NewDeviceListInternalAPI(db, signer, caches)

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	AddInternalRoutes(router.PathPrefix(httputil.InternalPathPrefix).Subrouter(), local)
	srv := httptest.NewServer(router)
	defer srv.Close()

	// With a URL configured the database options are never touched.
	remote := NewInternalAPI(&config.DeviceListAPI{InternalAPIURL: srv.URL}, signer, nil)

	ctx := context.Background()
	var res api.PerformDeviceListUpdateResponse
	require.NoError(t, remote.PerformCreateDeviceList(ctx, &api.PerformCreateDeviceListRequest{
		UserID:      "alice",
		DeviceClass: api.DeviceClassMobile,
	}, &res))

	secondary, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, remote.PerformAddDevice(ctx, &api.PerformAddDeviceRequest{
		UserID:      "alice",
		NewDeviceID: secondary.DeviceID,
		DeviceClass: api.DeviceClassWeb,
	}, &res))

	var history api.QueryDeviceListHistoryResponse
	require.NoError(t, remote.QueryDeviceListHistory(ctx, &api.QueryDeviceListHistoryRequest{UserID: "alice"}, &history))
	assert.Len(t, history.History, 2)

	var verified api.QueryVerifiedDeviceListResponse
	require.NoError(t, remote.QueryVerifiedDeviceList(ctx, &api.QueryVerifiedDeviceListRequest{UserID: "alice"}, &verified))
	assert.True(t, verified.DeviceList.Has(secondary.DeviceID))

	// Failures cross the HTTP boundary as typed internal API errors.
	err = remote.PerformRemoveDevice(ctx, &api.PerformRemoveDeviceRequest{
		UserID:   "alice",
		DeviceID: signer.DeviceID,
	}, &res)
	require.Error(t, err)
	assert.IsType(t, httputil.InternalAPIError{}, err)
}
