package config

// Config is the root configuration structure
type Config struct {
	Version  int            `yaml:"version"`
	Database DatabaseConfig `yaml:"database"`
	Mapping  MappingConfig  `yaml:"mapping"`
	Marshal  MarshalConfig  `yaml:"marshal"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms,omitempty"`
}

// MappingConfig holds resolver settings
type MappingConfig struct {
	// DefaultMaxSharedColumns bounds shared columns when a ShareColumns
	// override omits maxSharedColumnsBeforeOverflow (0 = unbounded)
	DefaultMaxSharedColumns uint32 `yaml:"default_max_shared_columns,omitempty"`
}

// MarshalConfig holds record rendering settings
type MarshalConfig struct {
	HexIDs bool `yaml:"hex_ids"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Prefix string `yaml:"prefix,omitempty"`
}
