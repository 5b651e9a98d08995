package sqlite3

import (
	"context"
	"database/sql"

	"github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/internal/sqlutil"
	"github.com/lumen-im/lumen/signing"
)

const historySchema = `
-- Append-only history of signed device list snapshots, one row per
-- published update. The raw device list is stored exactly as signed.
CREATE TABLE IF NOT EXISTS devicelist_history (
    user_id TEXT NOT NULL,
    sequence_index BIGINT NOT NULL,
    raw_device_list TEXT NOT NULL,
    signer_device_id TEXT NOT NULL,
    cur_primary_signature TEXT NOT NULL DEFAULT '',
    last_primary_signature TEXT NOT NULL DEFAULT '',

    PRIMARY KEY (user_id, sequence_index)
);
`

const insertSnapshotSQL = "" +
	"INSERT INTO devicelist_history (user_id, sequence_index, raw_device_list, signer_device_id, cur_primary_signature, last_primary_signature)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const selectHistorySQL = "" +
	"SELECT raw_device_list, signer_device_id, cur_primary_signature, last_primary_signature FROM devicelist_history" +
	" WHERE user_id = $1 ORDER BY sequence_index ASC"

const selectLatestSQL = "" +
	"SELECT raw_device_list, signer_device_id, cur_primary_signature, last_primary_signature FROM devicelist_history" +
	" WHERE user_id = $1 ORDER BY sequence_index DESC LIMIT 1"

type historyStatements struct {
	db                 *sql.DB
	insertSnapshotStmt *sql.Stmt
	selectHistoryStmt  *sql.Stmt
	selectLatestStmt   *sql.Stmt
}

func (s *historyStatements) prepare(db *sql.DB) (err error) {
	s.db = db
	if _, err = db.Exec(historySchema); err != nil {
		return err
	}
	if s.insertSnapshotStmt, err = db.Prepare(insertSnapshotSQL); err != nil {
		return err
	}
	if s.selectHistoryStmt, err = db.Prepare(selectHistorySQL); err != nil {
		return err
	}
	if s.selectLatestStmt, err = db.Prepare(selectLatestSQL); err != nil {
		return err
	}
	return nil
}

func (s *historyStatements) insertSnapshot(
	ctx context.Context, txn *sql.Tx, userID string, sequenceIndex int64, list api.SignedDeviceList,
) error {
	stmt := sqlutil.TxStmtContext(ctx, txn, s.insertSnapshotStmt)
	_, err := stmt.ExecContext(
		ctx, userID, sequenceIndex, list.RawDeviceList,
		string(list.SignerDeviceID), list.CurPrimarySignature, list.LastPrimarySignature,
	)
	return err
}

func (s *historyStatements) selectHistory(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]api.SignedDeviceList, error) {
	stmt := sqlutil.TxStmtContext(ctx, txn, s.selectHistoryStmt)
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck
	var history []api.SignedDeviceList
	for rows.Next() {
		var list api.SignedDeviceList
		var signer string
		if err = rows.Scan(&list.RawDeviceList, &signer, &list.CurPrimarySignature, &list.LastPrimarySignature); err != nil {
			return nil, err
		}
		list.SignerDeviceID = signing.DeviceID(signer)
		history = append(history, list)
	}
	return history, rows.Err()
}

func (s *historyStatements) selectLatest(
	ctx context.Context, txn *sql.Tx, userID string,
) (*api.SignedDeviceList, error) {
	stmt := sqlutil.TxStmtContext(ctx, txn, s.selectLatestStmt)
	var list api.SignedDeviceList
	var signer string
	err := stmt.QueryRowContext(ctx, userID).Scan(
		&list.RawDeviceList, &signer, &list.CurPrimarySignature, &list.LastPrimarySignature,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	list.SignerDeviceID = signing.DeviceID(signer)
	return &list, nil
}
