// Package devicelist implements the authoritative signed device list
// for a user account: an append-only history of snapshots, each signed
// by the account's primary device.
package devicelist

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/devicelist/internal"
	"github.com/lumen-im/lumen/devicelist/inthttp"
	"github.com/lumen-im/lumen/devicelist/storage"
	"github.com/lumen-im/lumen/internal/caching"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

// AddInternalRoutes registers HTTP handlers for the internal API.
// Invokes functions on the given input API.
func AddInternalRoutes(router *mux.Router, intAPI api.DeviceListInternalAPI) {
	inthttp.AddRoutes(router, intAPI)
}

const httpClientTimeout = time.Second * 30

// NewInternalAPI returns a concrete implementation of the internal API.
// When an internal API URL is configured the returned implementation is
// an HTTP client against a remote identity service and the local
// database options are ignored; otherwise the local reference
// implementation is used, which can additionally be exposed over HTTP
// with AddInternalRoutes.
func NewInternalAPI(
	cfg *config.DeviceListAPI, signer signing.KeyPair, caches *caching.Caches,
) api.DeviceListInternalAPI {
	if cfg.InternalAPIURL != "" {
		client, err := inthttp.NewDeviceListAPIClient(cfg.InternalAPIURL, &http.Client{
			Timeout: httpClientTimeout,
		})
		if err != nil {
			logrus.WithError(err).Panicf("failed to create device list API client")
		}
		return client
	}
	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to device list database")
	}
	return internal.NewDeviceListInternalAPI(db, signer, caches)
}
