package config

// Config is the dev server configuration, parsed from the YAML route file or
// built from the environment by Default.
type Config struct {
	Server ServerConfig  `yaml:"server" json:"server"`
	Routes []RouteConfig `yaml:"routes" json:"routes"`
}

// ServerConfig controls the local listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	Base string `yaml:"base" json:"base"`
}

// RouteConfig declares one proxy rule. Routes are matched in file order.
type RouteConfig struct {
	Name   string `yaml:"name"   json:"name"`
	Match  string `yaml:"match"  json:"match"`
	Target string `yaml:"target" json:"target"`

	// StripPrefix removes the matched prefix before forwarding. Defaults to true.
	StripPrefix *bool `yaml:"stripPrefix" json:"stripPrefix"`
	// AddPrefix is prepended to the forwarded path after stripping.
	AddPrefix string `yaml:"addPrefix" json:"addPrefix"`

	// ChangeOrigin and Secure default from the mode when unset.
	ChangeOrigin *bool `yaml:"changeOrigin" json:"changeOrigin"`
	Secure       *bool `yaml:"secure"       json:"secure"`
}
