package executors

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/controller"
	"phasedexecutor/src/model"
	"phasedexecutor/src/repository"
	"phasedexecutor/src/security"
)

// tradeEngine covers the background operations the loop drives.
type tradeEngine interface {
	RunOrderStream(ctx context.Context) error
	PollOpenOrders(ctx context.Context) error
	Reconcile(ctx context.Context) error
}

// Seams for tests.
var (
	newBrokerage = func(apiKey, apiSecret, baseURL, dataURL string) connectors.Brokerage {
		return connectors.NewAlpacaConnector(apiKey, apiSecret, baseURL, dataURL)
	}
	newEngine = func(brokerage connectors.Brokerage, notifier connectors.Notifier, broadcaster controller.Broadcaster) tradeEngine {
		return controller.NewTradeController(brokerage, notifier, broadcaster)
	}
	resolveCredentials = resolveVenueCredentials
)

// StartLoop runs the execution engine until the context is cancelled: the
// push stream in its own goroutine, plus poll and reconcile tickers. A
// stream that exhausts its reconnect attempts stops the whole engine, the
// poll backstop alone is not enough to run unattended.
func StartLoop(ctx context.Context, broadcaster controller.Broadcaster) error {
	config := GetConfig()

	apiKey, apiSecret, err := resolveCredentials(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to resolve venue credentials")
		return err
	}
	if apiKey == "" || apiSecret == "" {
		return errors.New("no venue API credentials configured")
	}

	connectorConfig := connectors.GetConfig()
	brokerage := newBrokerage(apiKey, apiSecret, connectorConfig.AlpacaBaseURL, connectorConfig.AlpacaDataURL)

	var notifier connectors.Notifier = connectors.NopNotifier{}
	if connectorConfig.NotifyWebhookURL != "" {
		notifier = connectors.NewWebhookNotifier(connectorConfig.NotifyWebhookURL)
	}
	if broadcaster == nil {
		broadcaster = controller.NopBroadcaster{}
	}

	engine := newEngine(brokerage, notifier, broadcaster)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamDone := make(chan error, 1)
	if config.StreamEnabled {
		go func() {
			streamDone <- engine.RunOrderStream(ctx)
		}()
	} else {
		logger.Warn("Order stream disabled, relying on polling only")
	}

	pollTicker := time.NewTicker(config.PollPeriod)
	defer pollTicker.Stop()
	reconcileTicker := time.NewTicker(config.ReconcilePeriod)
	defer reconcileTicker.Stop()

	// Startup reconciliation catches anything missed while the engine
	// was down.
	if err := engine.Reconcile(ctx); err != nil {
		logger.WithError(err).Error("Startup reconciliation failed")
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("engine loop stopped")
			return nil

		case err := <-streamDone:
			if err != nil {
				logger.WithError(err).Error("Order stream terminated, stopping engine")
				return err
			}
			logger.Info("Order stream closed")
			return nil

		case <-pollTicker.C:
			if err := engine.PollOpenOrders(ctx); err != nil {
				logger.WithError(err).Error("Order poll failed")
			}

		case <-reconcileTicker.C:
			if err := engine.Reconcile(ctx); err != nil {
				logger.WithError(err).Error("Reconciliation failed")
			}
		}
	}
}

// resolveVenueCredentials prefers encrypted settings rows over environment
// variables so keys rotated through the API take effect on restart.
func resolveVenueCredentials(ctx context.Context) (string, string, error) {
	settings := repository.NewSettingRepository()

	apiKey, err := settingOrEmpty(ctx, settings, model.SettingVenueAPIKey)
	if err != nil {
		return "", "", err
	}
	apiSecret, err := settingOrEmpty(ctx, settings, model.SettingVenueAPISecret)
	if err != nil {
		return "", "", err
	}

	config := connectors.GetConfig()
	if apiKey == "" {
		apiKey = config.AlpacaAPIKey
	}
	if apiSecret == "" {
		apiSecret = config.AlpacaAPISecret
	}

	return apiKey, apiSecret, nil
}

func settingOrEmpty(ctx context.Context, settings *repository.SettingRepository, key string) (string, error) {
	setting, err := settings.Get(ctx, key)
	if err != nil || setting == nil {
		return "", err
	}
	if !setting.Encrypted {
		return setting.Value, nil
	}

	value, err := security.DecryptString(setting.Value)
	if err != nil {
		logger.WithError(err).WithField("key", key).Error("Failed to decrypt setting")
		return "", err
	}
	return value, nil
}
