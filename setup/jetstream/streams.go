package jetstream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// RelayStream holds every to-device message until each interested
	// consumer has acknowledged it.
	RelayStream = "Relay"

	// ToDeviceSubject is the subject root for point-to-point delivery.
	// Individual devices consume from a per-device token under it.
	ToDeviceSubject = "relay.todevice"
)

var streams = []*nats.StreamConfig{
	{
		Name:      RelayStream,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		// A registrant that never comes back should not pin messages
		// forever; linking envelopes are useless long before this.
		MaxAge: 24 * time.Hour,
	},
}

// DeviceToken returns the subject-safe token for a device ID. Device
// IDs are base64 and therefore not token-safe, so subjects and durable
// consumer names carry a digest of the ID instead.
func DeviceToken(deviceID string) string {
	digest := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(digest[:])
}

// ToDeviceSubjectFor returns the fully prefixed subject that messages for
// the given device are published to.
func ToDeviceSubjectFor(prefixed func(string) string, deviceID string) string {
	return fmt.Sprintf("%s.%s", prefixed(ToDeviceSubject), DeviceToken(deviceID))
}
