package config

import "fmt"

type JetStream struct {
	// A list of NATS addresses to connect to. If none are specified, an
	// internal NATS server will be started transparently within the process.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for stream and subject names - useful if more than
	// one account shares a NATS deployment.
	TopicPrefix string `yaml:"topic_prefix"`
	// Keep all storage in memory. This is mostly useful for unit tests.
	InMemory bool `yaml:"in_memory"`
	// Persistent directory to store JetStream streams in when using the
	// embedded NATS server.
	StoragePath Path `yaml:"storage_path"`
}

func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.Addresses = []string{}
	c.TopicPrefix = "Lumen"
	if opts.Generate {
		c.StoragePath = Path("./")
		if opts.Monolithic {
			c.InMemory = true
		}
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
}
