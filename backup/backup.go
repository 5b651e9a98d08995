// Package backup guards the account backup secrets on the primary
// device. The secrets never leave the device except inside a sealed
// envelope addressed to a newly linked peer, and releasing them from
// escrow always requires the user's backup secret.
package backup

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Keys are the two account backup secrets a secondary device needs to
// read existing backups: one for backup data itself and one for the
// incremental backup logs.
type Keys struct {
	BackupDataKey    string `json:"backup_data_key"`
	BackupLogDataKey string `json:"backup_log_data_key"`
}

// ErrBadSecret is returned when the supplied user secret does not match
// the secret the escrow was sealed with.
var ErrBadSecret = errors.New("backup: user secret does not match")

// ErrNoKeys is returned when nothing has been sealed into the escrow.
var ErrNoKeys = errors.New("backup: no keys in escrow")

// Escrow holds the backup keys at rest, gated behind a bcrypt hash of
// the user's backup secret. The plaintext secret is never retained.
type Escrow struct {
	mu         sync.Mutex
	secretHash []byte
	keys       *Keys
}

// NewEscrow seals the given keys behind the user secret.
func NewEscrow(userSecret string, keys Keys) (*Escrow, error) {
	e := &Escrow{}
	if err := e.Seal(userSecret, keys); err != nil {
		return nil, err
	}
	return e, nil
}

// Seal replaces the escrowed keys and the secret guarding them.
func (e *Escrow) Seal(userSecret string, keys Keys) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(userSecret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.secretHash = hash
	e.keys = &keys
	return nil
}

// Retrieve releases the escrowed keys if the user secret matches.
func (e *Escrow) Retrieve(userSecret string) (Keys, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keys == nil {
		return Keys{}, ErrNoKeys
	}
	if err := bcrypt.CompareHashAndPassword(e.secretHash, []byte(userSecret)); err != nil {
		return Keys{}, ErrBadSecret
	}
	return *e.keys, nil
}
