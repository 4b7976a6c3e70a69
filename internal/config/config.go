package config

import (
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Mode selects which transport the process constructs. Exactly one is
// ever built.
const (
	ModeRelay    = "relay"
	ModeMeshHost = "mesh-host"
)

type Config struct {
	Mode              string        `envconfig:"MODE" default:"relay"`
	Port              int           `envconfig:"PORT" default:"3001"`
	MaxWorkers        int           `envconfig:"MAX_WORKERS" default:"16"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	DriftThreshold    float64       `envconfig:"DRIFT_THRESHOLD" default:"2"`
	DisplayName       string        `envconfig:"DISPLAY_NAME" default:"host"`
}

var (
	once sync.Once
	c    Config
)

func Get() *Config {
	once.Do(func() {
		envconfig.MustProcess("synccinema", &c)
	})
	return &c
}
