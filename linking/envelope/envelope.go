// Package envelope seals and opens the messages exchanged over the
// relay during a linking session. Envelopes are encrypted with the
// ephemeral secret from the scanned payload; anything that does not
// open cleanly under that secret is rejected without further
// inspection.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

// SecretSize is the size of the ephemeral linking secret in bytes.
const SecretSize = 32

// Secret is the ephemeral AES-256 key minted for a single linking
// session. It exists only in the QR payload and in the memory of the
// two participating devices.
type Secret [SecretSize]byte

// GenerateSecret mints a fresh ephemeral secret.
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, err
	}
	return s, nil
}

// ErrReject is returned whenever an envelope cannot be opened: bad
// ciphertext, wrong secret, unknown kind or an undecodable body. The
// cause is deliberately not distinguished; callers drop the message
// either way.
var ErrReject = errors.New("envelope: message rejected")

// Kind discriminates the messages of the linking handshake.
type Kind string

const (
	KindRegistrationSuccess     Kind = "registration_success"
	KindDeviceListUpdateSuccess Kind = "device_list_update_success"
	KindBackupDataKey           Kind = "backup_data_key"
)

// RegistrationSuccess is sent by the registrant once it has stored its
// new identity, acknowledging the roster update. RequestBackupKeys asks
// the authorizer to follow up with the account backup secrets.
type RegistrationSuccess struct {
	RequestBackupKeys bool `json:"request_backup_keys"`
}

// DeviceListUpdateSuccess is sent by the authorizer once the roster
// update is durable, telling the registrant who it now belongs to.
type DeviceListUpdateSuccess struct {
	UserID          string `json:"user_id"`
	PrimaryDeviceID string `json:"primary_device_id"`
}

// BackupDataKeyMessage carries the account backup secrets to a newly
// linked device.
type BackupDataKeyMessage struct {
	BackupDataKey    string `json:"backup_data_key"`
	BackupLogDataKey string `json:"backup_log_data_key"`
}

// kindOf maps a message to its wire kind. The union is closed: sealing
// anything else is a programming error.
func kindOf(message interface{}) (Kind, error) {
	switch message.(type) {
	case *RegistrationSuccess, RegistrationSuccess:
		return KindRegistrationSuccess, nil
	case *DeviceListUpdateSuccess, DeviceListUpdateSuccess:
		return KindDeviceListUpdateSuccess, nil
	case *BackupDataKeyMessage, BackupDataKeyMessage:
		return KindBackupDataKey, nil
	default:
		return "", fmt.Errorf("envelope: unsealable message type %T", message)
	}
}

type wireEnvelope struct {
	Kind       Kind   `json:"kind"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts a handshake message under the session secret. The kind
// is carried in the clear but bound to the ciphertext as additional
// authenticated data, so it cannot be swapped without detection.
func Seal(secret Secret, message interface{}) ([]byte, error) {
	kind, err := kindOf(message)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := wireEnvelope{
		Kind:       kind,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, body, []byte(kind)),
	}
	return json.Marshal(&sealed)
}

// Open authenticates and decrypts an envelope, returning the decoded
// message for the declared kind. Every failure mode collapses into
// ErrReject.
func Open(secret Secret, data []byte) (interface{}, error) {
	var sealed wireEnvelope
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, ErrReject
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, ErrReject
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, ErrReject
	}
	body, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(sealed.Kind))
	if err != nil {
		return nil, ErrReject
	}
	var message interface{}
	switch sealed.Kind {
	case KindRegistrationSuccess:
		message = &RegistrationSuccess{}
	case KindDeviceListUpdateSuccess:
		message = &DeviceListUpdateSuccess{}
	case KindBackupDataKey:
		message = &BackupDataKeyMessage{}
	default:
		return nil, ErrReject
	}
	if err := json.Unmarshal(body, message); err != nil {
		return nil, ErrReject
	}
	return message, nil
}

func newAEAD(secret Secret) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
