package controller

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// DefaultPositionSize is the currency amount committed per trade when
	// neither the request nor the settings table provides one.
	DefaultPositionSize float64 `envconfig:"DEFAULT_POSITION_SIZE" default:"10000"`

	// OrderHistoryLimit caps how many venue orders a reconciliation pass
	// fetches when mining for missed fills.
	OrderHistoryLimit int `envconfig:"ORDER_HISTORY_LIMIT" default:"500"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
