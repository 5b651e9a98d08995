package sqlite3

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/internal/sqlutil"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

// Database stores signed device list histories in SQLite.
type Database struct {
	db      *sql.DB
	writer  sqlutil.Writer
	history historyStatements
	devices devicesStatements
}

// NewDatabase creates a new device list store.
func NewDatabase(dbProperties *config.DatabaseOptions) (*Database, error) {
	db, err := sqlutil.Open(dbProperties)
	if err != nil {
		return nil, err
	}
	d := &Database{
		db:     db,
		writer: sqlutil.NewExclusiveWriter(),
	}
	if err = d.history.prepare(db); err != nil {
		return nil, errors.Wrap(err, "prepare device list history table")
	}
	if err = d.devices.prepare(db); err != nil {
		return nil, errors.Wrap(err, "prepare devices table")
	}
	return d, nil
}

func (d *Database) DeviceListHistory(ctx context.Context, userID string) ([]api.SignedDeviceList, error) {
	return d.history.selectHistory(ctx, nil, userID)
}

func (d *Database) LatestDeviceList(ctx context.Context, userID string) (*api.SignedDeviceList, error) {
	return d.history.selectLatest(ctx, nil, userID)
}

func (d *Database) AppendDeviceList(
	ctx context.Context, userID string, list api.SignedDeviceList,
	addDevices map[signing.DeviceID]api.DeviceClass,
	removeDevices []signing.DeviceID,
) error {
	raw, err := list.Raw()
	if err != nil {
		return err
	}
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if err := d.history.insertSnapshot(ctx, txn, userID, raw.SequenceIndex, list); err != nil {
			return errors.Wrap(err, "insert device list snapshot")
		}
		for _, deviceID := range removeDevices {
			if err := d.devices.deleteDevice(ctx, txn, userID, deviceID); err != nil {
				return errors.Wrap(err, "delete device")
			}
		}
		for deviceID, class := range addDevices {
			if err := d.devices.upsertDevice(ctx, txn, userID, deviceID, class); err != nil {
				return errors.Wrap(err, "upsert device")
			}
		}
		return nil
	})
}

func (d *Database) KeyserverDeviceID(ctx context.Context, userID string) (signing.DeviceID, bool, error) {
	return d.devices.selectDeviceByClass(ctx, nil, userID, api.DeviceClassKeyserver)
}
