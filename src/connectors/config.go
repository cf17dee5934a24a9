package connectors

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AlpacaAPIKey    string `envconfig:"ALPACA_API_KEY"`
	AlpacaAPISecret string `envconfig:"ALPACA_API_SECRET"`
	AlpacaBaseURL   string `envconfig:"ALPACA_BASE_URL" default:"https://paper-api.alpaca.markets"`
	AlpacaDataURL   string `envconfig:"ALPACA_DATA_URL"`

	NotifyWebhookURL string `envconfig:"NOTIFY_WEBHOOK_URL"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
