package storage

import (
	"context"
	"fmt"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/devicelist/storage/sqlite3"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

// Database persists signed device list histories on behalf of the
// identity service. All durable state of the subsystem lives here; the
// client side only ever holds a read-through cache.
type Database interface {
	// DeviceListHistory returns every snapshot for the user, oldest first.
	DeviceListHistory(ctx context.Context, userID string) ([]api.SignedDeviceList, error)
	// LatestDeviceList returns the newest snapshot, or nil if the user has
	// no device list yet.
	LatestDeviceList(ctx context.Context, userID string) (*api.SignedDeviceList, error)
	// AppendDeviceList stores a new snapshot and updates the device
	// membership rows in the same transaction.
	AppendDeviceList(
		ctx context.Context, userID string, list api.SignedDeviceList,
		addDevices map[signing.DeviceID]api.DeviceClass,
		removeDevices []signing.DeviceID,
	) error
	// KeyserverDeviceID returns the account's keyserver device, if any.
	KeyserverDeviceID(ctx context.Context, userID string) (signing.DeviceID, bool, error)
}

// NewDatabase opens a database connection for the given data source.
func NewDatabase(dbProperties *config.DatabaseOptions) (Database, error) {
	if !dbProperties.ConnectionString.IsSQLite() {
		return nil, fmt.Errorf("unexpected database type %q", dbProperties.ConnectionString)
	}
	return sqlite3.NewDatabase(dbProperties)
}
