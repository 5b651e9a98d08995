// Package linking orchestrates the QR-code handshake that links a new
// device into an account: the registrant renders a payload, the primary
// scans and authorizes it, the roster is updated and acknowledged, and
// the backup secrets are transferred when asked for.
package linking

import (
	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/linking/api"
	"github.com/lumen-im/lumen/linking/internal"
	"github.com/lumen-im/lumen/relay"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/signing"
)

// NewLinkingAPI returns a concrete implementation of the linking
// orchestrator for this device.
func NewLinkingAPI(
	cfg *config.Linking, deviceListAPI devicelistapi.DeviceListInternalAPI,
	r relay.Relay, identity signing.KeyPair,
) api.LinkingAPI {
	return internal.NewSessions(cfg, deviceListAPI, r, identity)
}
