package config

import "time"

type Linking struct {
	// How long the authorizer waits for the registrant's registration
	// success message after sending the device list update, before the
	// session fails with a timeout.
	PeerAckTimeout time.Duration `yaml:"peer_ack_timeout"`

	// Upper bound on the lifetime of a linking session. The ephemeral
	// linking secret is only valid within this window; a session that has
	// not reached a terminal state by then is failed and the secret
	// discarded.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

func (c *Linking) Defaults(opts DefaultOpts) {
	c.PeerAckTimeout = 30 * time.Second
	c.SessionTTL = 2 * time.Minute
}

func (c *Linking) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "linking.peer_ack_timeout", int64(c.PeerAckTimeout))
	checkPositive(configErrs, "linking.session_ttl", int64(c.SessionTTL))
	if c.SessionTTL < c.PeerAckTimeout {
		configErrs.Add("linking.session_ttl must not be shorter than linking.peer_ack_timeout")
	}
}
