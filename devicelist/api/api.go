// Package api defines the types and internal API surface of the device
// list component: the authoritative, monotonically versioned, signed list
// of device IDs belonging to a user account.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lumen-im/lumen/signing"
)

// DeviceClass describes what kind of device an entry in the device list
// is. Keyserver devices are singular: an account may have at most one,
// and linking a second one requires replacing the first.
type DeviceClass string

const (
	DeviceClassMobile    DeviceClass = "mobile"
	DeviceClassWeb       DeviceClass = "web"
	DeviceClassKeyserver DeviceClass = "keyserver"
	DeviceClassUnknown   DeviceClass = "unknown"
)

// Singular reports whether at most one device of this class may be listed
// for an account at a time.
func (c DeviceClass) Singular() bool {
	return c == DeviceClassKeyserver
}

// RawDeviceList is the payload that device list signatures cover. The
// order of Devices is significant.
type RawDeviceList struct {
	Devices       []signing.DeviceID `json:"devices"`
	SequenceIndex int64              `json:"sequenceIndex"`
}

// PrimaryDeviceID returns the account's primary device for this snapshot.
// By convention that is the first entry, but callers must never reach for
// the index themselves.
func (r *RawDeviceList) PrimaryDeviceID() (signing.DeviceID, bool) {
	if len(r.Devices) == 0 {
		return "", false
	}
	return r.Devices[0], true
}

// Has reports whether the device is listed in this snapshot.
func (r *RawDeviceList) Has(deviceID signing.DeviceID) bool {
	for _, id := range r.Devices {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Encode produces the canonical JSON form that is signed and stored.
func (r *RawDeviceList) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SignedDeviceList is one snapshot in a user's append-only device list
// history. RawDeviceList is kept in its encoded form so that signature
// verification always covers the exact bytes the signer produced.
type SignedDeviceList struct {
	RawDeviceList  string           `json:"rawDeviceList"`
	SignerDeviceID signing.DeviceID `json:"signerDeviceID"`
	// Signature by the primary device of this snapshot.
	CurPrimarySignature string `json:"curPrimarySignature,omitempty"`
	// Signature by the primary device of the previous snapshot, present
	// when the primary role moved between devices.
	LastPrimarySignature string `json:"lastPrimarySignature,omitempty"`
}

// Raw decodes the canonical payload.
func (s *SignedDeviceList) Raw() (RawDeviceList, error) {
	var raw RawDeviceList
	if err := json.Unmarshal([]byte(s.RawDeviceList), &raw); err != nil {
		return RawDeviceList{}, fmt.Errorf("malformed raw device list: %w", err)
	}
	return raw, nil
}

// ErrRosterUnavailable wraps failures of the backing identity service.
// They are fatal to a linking session and must surface to the user with a
// retry option, never be silently swallowed: a half-applied device list
// would leave the registrant unable to receive messages.
var ErrRosterUnavailable = errors.New("device list service unavailable")

// ErrSigningFailure is returned when the local signing key is missing or
// the local device is not entitled to sign device list updates.
var ErrSigningFailure = errors.New("cannot sign device list update")

// VerificationFailureReason enumerates the ways a fetched device list
// history can fail verification.
type VerificationFailureReason string

const (
	VerificationEmptyHistory         VerificationFailureReason = "empty_device_list_history"
	VerificationEmptyUpdate          VerificationFailureReason = "empty_device_list_update"
	VerificationInvalidSequenceOrder VerificationFailureReason = "invalid_sequence_order"
	VerificationInvalidCurPrimary    VerificationFailureReason = "invalid_cur_primary_signature"
	VerificationInvalidLastPrimary   VerificationFailureReason = "invalid_last_primary_signature"
	VerificationDeviceNotListed      VerificationFailureReason = "device_not_listed"
)

// VerificationFailure describes why a device list history was rejected.
type VerificationFailure struct {
	Reason        VerificationFailureReason
	SequenceIndex int64
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("device list verification failed: %s (sequence %d)", e.Reason, e.SequenceIndex)
}

// DeviceListInternalAPI is the identity-service contract that the linking
// orchestrator consumes. It can be satisfied by the local reference
// implementation or by an HTTP client talking to a remote identity
// service.
type DeviceListInternalAPI interface {
	// QueryDeviceListHistory returns the full append-only history for a
	// user, oldest first.
	QueryDeviceListHistory(ctx context.Context, req *QueryDeviceListHistoryRequest, res *QueryDeviceListHistoryResponse) error
	// QueryVerifiedDeviceList verifies the whole history signature chain
	// and returns the latest snapshot payload.
	QueryVerifiedDeviceList(ctx context.Context, req *QueryVerifiedDeviceListRequest, res *QueryVerifiedDeviceListResponse) error
	// QueryKeyserverDevice looks up the account's current keyserver
	// device, if it has one.
	QueryKeyserverDevice(ctx context.Context, req *QueryKeyserverDeviceRequest, res *QueryKeyserverDeviceResponse) error
	// PerformCreateDeviceList publishes the initial singleton snapshot for
	// a user whose roster is empty. The sole member is the signing device.
	PerformCreateDeviceList(ctx context.Context, req *PerformCreateDeviceListRequest, res *PerformDeviceListUpdateResponse) error
	// PerformAddDevice appends a device to the list and publishes a new
	// signed snapshot. Adding a device that is already listed is an
	// idempotent no-op.
	PerformAddDevice(ctx context.Context, req *PerformAddDeviceRequest, res *PerformDeviceListUpdateResponse) error
	// PerformReplaceDevice atomically removes one device and inserts
	// another at the same position.
	PerformReplaceDevice(ctx context.Context, req *PerformReplaceDeviceRequest, res *PerformDeviceListUpdateResponse) error
	// PerformRemoveDevice removes a device from the list. Removing a
	// device that is not listed is an idempotent no-op.
	PerformRemoveDevice(ctx context.Context, req *PerformRemoveDeviceRequest, res *PerformDeviceListUpdateResponse) error
}

type QueryDeviceListHistoryRequest struct {
	UserID string `json:"user_id"`
}

type QueryDeviceListHistoryResponse struct {
	// Oldest first.
	History []SignedDeviceList `json:"history"`
}

type QueryVerifiedDeviceListRequest struct {
	UserID string `json:"user_id"`
}

type QueryVerifiedDeviceListResponse struct {
	DeviceList RawDeviceList `json:"device_list"`
}

type QueryKeyserverDeviceRequest struct {
	UserID string `json:"user_id"`
}

type QueryKeyserverDeviceResponse struct {
	DeviceID signing.DeviceID `json:"device_id"`
	Exists   bool             `json:"exists"`
}

type PerformCreateDeviceListRequest struct {
	UserID      string      `json:"user_id"`
	DeviceClass DeviceClass `json:"device_class"`
}

type PerformAddDeviceRequest struct {
	UserID      string           `json:"user_id"`
	NewDeviceID signing.DeviceID `json:"new_device_id"`
	DeviceClass DeviceClass      `json:"device_class"`
}

type PerformReplaceDeviceRequest struct {
	UserID      string           `json:"user_id"`
	OldDeviceID signing.DeviceID `json:"old_device_id"`
	NewDeviceID signing.DeviceID `json:"new_device_id"`
	DeviceClass DeviceClass      `json:"device_class"`
}

type PerformRemoveDeviceRequest struct {
	UserID   string           `json:"user_id"`
	DeviceID signing.DeviceID `json:"device_id"`
}

type PerformDeviceListUpdateResponse struct {
	// The latest snapshot after the update.
	DeviceList SignedDeviceList `json:"device_list"`
	// True if the update was an idempotent no-op and no new snapshot was
	// published.
	Unchanged bool `json:"unchanged"`
}
