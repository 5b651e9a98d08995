// Package api defines the session contract of the linking
// orchestrator: how a primary device authorizes a scanned peer and how
// a new device registers itself into an account.
package api

import (
	"context"
	"errors"

	"github.com/lumen-im/lumen/backup"
	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/signing"
)

// ErrSessionAlreadyActive is returned when a session is started while
// another one is still running on this device. Linking is strictly one
// session at a time.
var ErrSessionAlreadyActive = errors.New("linking: a session is already active")

// ErrBadPayload is returned when the scanned payload cannot be decoded.
var ErrBadPayload = errors.New("linking: bad payload")

// ErrSigningContinuity is returned when restored primary key material
// cannot be proven to descend from the account's previous primary.
var ErrSigningContinuity = errors.New("linking: signing continuity verification failed")

// FailureReason classifies why a session ended without linking the
// device.
type FailureReason string

const (
	FailureRosterUnavailable FailureReason = "roster_unavailable"
	FailureTimeout           FailureReason = "timeout"
	FailureSigningContinuity FailureReason = "signing_continuity"
	FailureCancelled         FailureReason = "cancelled"
	FailureDeclined          FailureReason = "declined"
	FailureInternal          FailureReason = "internal"
)

// Result is the terminal outcome of a session, delivered exactly once.
type Result struct {
	// Linked is true when the handshake completed.
	Linked bool
	// Reason is set when Linked is false.
	Reason FailureReason
	// Err carries the underlying error for failed sessions, if any.
	Err error

	// UserID and PrimaryDeviceID identify the account the device joined.
	// Set on successful registrant sessions.
	UserID          string
	PrimaryDeviceID signing.DeviceID
	// BackupKeys is set on successful registrant sessions that asked for
	// the account backup secrets.
	BackupKeys *backup.Keys
}

// Session is a handle on a running linking session. Result yields the
// terminal outcome exactly once; Cancel aborts the session and resolves
// the result with FailureCancelled if it has not already resolved.
type Session interface {
	ID() string
	Result() <-chan Result
	Cancel()
}

// RegistrantSession additionally exposes the payload the new device
// must render as a QR code for the primary to scan.
type RegistrantSession interface {
	Session
	DisplayPayload() string
}

// StartAsAuthorizerRequest starts a session on the primary device after
// the user scanned a registrant's QR code.
type StartAsAuthorizerRequest struct {
	// ScannedPayload is the raw deep link from the QR scanner.
	ScannedPayload string
	// UserID is the account the scanned device will join.
	UserID string
	// ConfirmReplace is consulted when the scanned device's class is
	// singular and the slot is already occupied. Returning false declines
	// the replacement and fails the session. A nil callback declines.
	ConfirmReplace func(ctx context.Context, old signing.DeviceID) bool
	// BackupKeys releases the account backup secrets when the registrant
	// asks for them. A nil source transfers empty keys.
	BackupKeys func() (backup.Keys, error)
}

// StartAsRegistrantRequest starts a session on a new device that wants
// to join an account.
type StartAsRegistrantRequest struct {
	// DeviceClass is what this device is.
	DeviceClass devicelistapi.DeviceClass
	// Identity is the device's signing identity. Zero-valued identities
	// are rejected; mint one with signing.GenerateKeyPair first.
	Identity signing.KeyPair
	// RequestBackupKeys asks the authorizer to transfer the account
	// backup secrets once registration succeeds.
	RequestBackupKeys bool
}

// LinkingAPI is the orchestrator surface consumed by the application
// layer.
type LinkingAPI interface {
	// StartAsAuthorizer begins authorizing a scanned device. It fails
	// synchronously on a malformed payload or when a session is already
	// active; every later outcome arrives through the session result.
	StartAsAuthorizer(ctx context.Context, req *StartAsAuthorizerRequest) (Session, error)
	// StartAsRegistrant begins registering this device into an account.
	StartAsRegistrant(ctx context.Context, req *StartAsRegistrantRequest) (RegistrantSession, error)
	// VerifyPrimaryContinuity proves that restored primary key material
	// descends from the account's previous primary device. Called after
	// a primary restore, before the restored device resumes signing.
	VerifyPrimaryContinuity(ctx context.Context, userID string, restored signing.KeyPair) error
}
