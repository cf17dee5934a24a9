package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PollPeriod      time.Duration `envconfig:"POLL_PERIOD" default:"10s"`
	ReconcilePeriod time.Duration `envconfig:"RECONCILE_PERIOD" default:"5m"`
	StreamEnabled   bool          `envconfig:"STREAM_ENABLED" default:"true"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
