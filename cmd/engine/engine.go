package engine

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"phasedexecutor/src/database"
	"phasedexecutor/src/executors"
)

// Engine runs the execution loop headless, without the API server.
type Engine struct{}

func (e *Engine) Start() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	logrus.Info("Starting phased execution engine")

	if err := executors.StartLoop(ctx, nil); err != nil {
		logrus.WithError(err).Error("Execution engine stopped with error")
		return err
	}

	return nil
}
