package config

type DeviceListAPI struct {
	// The identity service store for signed device lists. On a primary
	// device this is the reference SQLite implementation; other devices
	// reach the identity service over its internal HTTP API instead.
	Database DatabaseOptions `yaml:"database"`

	// Address of a remote identity service internal API. If set, the
	// local database options are ignored.
	InternalAPIURL string `yaml:"internal_api_url"`

	// Maximum amount of memory to use for the verified device list cache,
	// in bytes.
	CacheMaxBytes int64 `yaml:"cache_max_bytes"`
}

func (c *DeviceListAPI) Defaults(opts DefaultOpts) {
	c.CacheMaxBytes = 16 * 1024 * 1024
	if opts.Generate {
		if opts.Monolithic {
			c.Database.ConnectionString = "file::memory:"
		} else {
			c.Database.ConnectionString = "file:lumen_devicelist.db"
		}
	}
	c.Database.Defaults(10)
}

func (c *DeviceListAPI) Verify(configErrs *ConfigErrors) {
	if c.InternalAPIURL == "" {
		checkNotEmpty(configErrs, "device_list_api.database.connection_string", string(c.Database.ConnectionString))
	}
	checkPositive(configErrs, "device_list_api.cache_max_bytes", c.CacheMaxBytes)
}
