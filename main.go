package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/controller"
	"phasedexecutor/src/database"
	"phasedexecutor/src/executors"
	"phasedexecutor/src/server"
)

var (
	APP_NAME = os.Getenv("APP_NAME")
)

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.DebugLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()
	defer handlePanic()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	hub := server.NewHub()

	connectorConfig := connectors.GetConfig()
	brokerage := connectors.NewAlpacaConnector(
		connectorConfig.AlpacaAPIKey,
		connectorConfig.AlpacaAPISecret,
		connectorConfig.AlpacaBaseURL,
		connectorConfig.AlpacaDataURL,
	)

	var notifier connectors.Notifier = connectors.NopNotifier{}
	if connectorConfig.NotifyWebhookURL != "" {
		notifier = connectors.NewWebhookNotifier(connectorConfig.NotifyWebhookURL)
	}

	engine := controller.NewTradeController(brokerage, notifier, hub)

	// The execution engine shares the process with the API so websocket
	// clients see fills as they land.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := executors.StartLoop(ctx, hub); err != nil {
			logger.WithError(err).Error("Execution engine stopped")
		}
	}()

	server.StartServer(server.GetConfig().Port, engine, hub)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
