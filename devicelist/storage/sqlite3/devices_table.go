package sqlite3

import (
	"context"
	"database/sql"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/internal/sqlutil"
	"github.com/lumen-im/lumen/signing"
)

const devicesSchema = `
-- Current device list membership with per-device metadata. Rows track the
-- latest snapshot in devicelist_history; a device that has been removed
-- from the list has no row here.
CREATE TABLE IF NOT EXISTS devicelist_devices (
    user_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    device_class TEXT NOT NULL,

    PRIMARY KEY (user_id, device_id)
);
`

const upsertDeviceSQL = "" +
	"INSERT OR REPLACE INTO devicelist_devices (user_id, device_id, device_class)" +
	" VALUES ($1, $2, $3)"

const deleteDeviceSQL = "" +
	"DELETE FROM devicelist_devices WHERE user_id = $1 AND device_id = $2"

const selectDeviceByClassSQL = "" +
	"SELECT device_id FROM devicelist_devices WHERE user_id = $1 AND device_class = $2 LIMIT 1"

type devicesStatements struct {
	db                      *sql.DB
	upsertDeviceStmt        *sql.Stmt
	deleteDeviceStmt        *sql.Stmt
	selectDeviceByClassStmt *sql.Stmt
}

func (s *devicesStatements) prepare(db *sql.DB) (err error) {
	s.db = db
	if _, err = db.Exec(devicesSchema); err != nil {
		return err
	}
	if s.upsertDeviceStmt, err = db.Prepare(upsertDeviceSQL); err != nil {
		return err
	}
	if s.deleteDeviceStmt, err = db.Prepare(deleteDeviceSQL); err != nil {
		return err
	}
	if s.selectDeviceByClassStmt, err = db.Prepare(selectDeviceByClassSQL); err != nil {
		return err
	}
	return nil
}

func (s *devicesStatements) upsertDevice(
	ctx context.Context, txn *sql.Tx, userID string, deviceID signing.DeviceID, class api.DeviceClass,
) error {
	stmt := sqlutil.TxStmtContext(ctx, txn, s.upsertDeviceStmt)
	_, err := stmt.ExecContext(ctx, userID, string(deviceID), string(class))
	return err
}

func (s *devicesStatements) deleteDevice(
	ctx context.Context, txn *sql.Tx, userID string, deviceID signing.DeviceID,
) error {
	stmt := sqlutil.TxStmtContext(ctx, txn, s.deleteDeviceStmt)
	_, err := stmt.ExecContext(ctx, userID, string(deviceID))
	return err
}

func (s *devicesStatements) selectDeviceByClass(
	ctx context.Context, txn *sql.Tx, userID string, class api.DeviceClass,
) (signing.DeviceID, bool, error) {
	stmt := sqlutil.TxStmtContext(ctx, txn, s.selectDeviceByClassStmt)
	var deviceID string
	err := stmt.QueryRowContext(ctx, userID, string(class)).Scan(&deviceID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return signing.DeviceID(deviceID), true, nil
}
