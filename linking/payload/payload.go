// Package payload encodes and decodes the scannable linking payload:
// the URL a registrant renders as a QR code and an authorizer parses
// after scanning it. The payload carries the session's ephemeral secret
// and the registrant's device identity.
package payload

import (
	"encoding/hex"
	"errors"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/linking/envelope"
	"github.com/lumen-im/lumen/signing"
)

const (
	// Scheme is the URL scheme the app registers for deep links.
	Scheme = "lumen"
	// LinkHost marks a deep link as a device-linking payload.
	LinkHost = "link"

	deviceTypeParam = "device_type"
	keysParam       = "keys"
)

var (
	// ErrMalformed is returned when the scanned string is not a linking
	// payload at all: wrong scheme or host, missing key fields or an
	// unrecognised device class.
	ErrMalformed = errors.New("payload: malformed linking payload")
	// ErrUnsupportedEncoding is returned when the payload has the right
	// shape but its key material cannot be decoded: invalid JSON, bad
	// hex, a secret of the wrong size or an invalid device identity.
	ErrUnsupportedEncoding = errors.New("payload: unsupported key encoding")
)

// Payload is the decoded form of a scanned linking QR code.
type Payload struct {
	// DeviceClass is what the registrant claims to be. The authorizer
	// uses it to decide whether the link needs a replace confirmation.
	DeviceClass devicelistapi.DeviceClass
	// Secret is the ephemeral session key minted by the registrant.
	Secret envelope.Secret
	// DeviceID is the registrant's signing identity.
	DeviceID signing.DeviceID
}

// Encode renders the payload as a deep-link URL. The keys parameter is
// a percent-encoded JSON object so that additional key material can be
// added without breaking older scanners.
func (p *Payload) Encode() (string, error) {
	keys, err := sjson.Set("", "aes256", hex.EncodeToString(p.Secret[:]))
	if err != nil {
		return "", err
	}
	keys, err = sjson.Set(keys, "ed25519", string(p.DeviceID))
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set(deviceTypeParam, string(p.DeviceClass))
	query.Set(keysParam, keys)
	u := url.URL{
		Scheme:   Scheme,
		Host:     LinkHost,
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

// Decode parses a scanned deep link back into a payload.
func Decode(scanned string) (*Payload, error) {
	u, err := url.Parse(scanned)
	if err != nil || u.Scheme != Scheme || u.Host != LinkHost {
		return nil, ErrMalformed
	}
	query := u.Query()
	keys := query.Get(keysParam)
	if keys == "" {
		return nil, ErrMalformed
	}
	if !gjson.Valid(keys) {
		return nil, ErrUnsupportedEncoding
	}
	aes256 := gjson.Get(keys, "aes256")
	ed25519Key := gjson.Get(keys, "ed25519")
	if !aes256.Exists() || !ed25519Key.Exists() {
		return nil, ErrMalformed
	}
	rawSecret, err := hex.DecodeString(aes256.String())
	if err != nil || len(rawSecret) != envelope.SecretSize {
		return nil, ErrUnsupportedEncoding
	}
	deviceID := signing.DeviceID(ed25519Key.String())
	if _, err := deviceID.PublicKey(); err != nil {
		return nil, ErrUnsupportedEncoding
	}
	deviceClass := devicelistapi.DeviceClass(query.Get(deviceTypeParam))
	switch deviceClass {
	case devicelistapi.DeviceClassMobile, devicelistapi.DeviceClassWeb, devicelistapi.DeviceClassKeyserver:
	default:
		return nil, ErrMalformed
	}
	p := &Payload{
		DeviceClass: deviceClass,
		DeviceID:    deviceID,
	}
	copy(p.Secret[:], rawSecret)
	return p, nil
}
