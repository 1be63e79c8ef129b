package config

import (
	"os"
	"time"

	"github.com/koding/multiconfig"
)

// Config defines osjudge server configuration
type Config struct {
	// runner
	RunnerConf   string        `flagUsage:"specifies runner profile (command, markers, timeout), built-in defaults when absent" default:"runner.yaml"`
	PollInterval time.Duration `flagUsage:"specifies interval the worker polls an empty queue" default:"1s"`

	// submission
	WorkDirPrefix []string `flagUsage:"specifies allowed directory prefixes for submitted work dirs (comma separated)"`

	// status store
	Database string `flagUsage:"specifies sqlite database path, in memory store when empty" default:"osjudge.db"`

	// server config
	HTTPAddr      string `flagUsage:"specifies the http binding address" default:":5060"`
	MonitorAddr   string `flagUsage:"specifies the metrics binding address" default:":5062"`
	AuthToken     string `flagUsage:"bearer token auth for REST"`
	EnableDebug   bool   `flagUsage:"enable debug endpoint"`
	EnableMetrics bool   `flagUsage:"enable promethus metrics endpoint"`

	// logger config
	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`

	// show version and exit
	Version bool `flagUsage:"show version and exit"`
}

// Load loads config from flag & environment variables
func (c *Config) Load() error {
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "OJ",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "OJ",
		},
	)
	if os.Getpid() == 1 {
		c.Release = true
	}
	return cl.Load(c)
}
