package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"phasedexecutor/cmd/engine"
	"phasedexecutor/cmd/keys"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Phased Executor CMD"
	app.Usage = "The phased executor command line interface"

	app.Commands = []cli.Command{
		engineCMD,
		keysCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	engineCMD = cli.Command{
		Name:        "engine",
		Usage:       "run the execution engine",
		Action:      engineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the order stream, poll backstop and reconciliation loops without the API server`,
	}
	keysCMD = cli.Command{
		Name:        "keys",
		Usage:       "manage venue credentials",
		Action:      keysAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Interactive CLI for storing encrypted venue credentials and defaults`,
	}
)

func engineAction(_ *cli.Context) error {

	logrus.Info("Starting engine CMD")
	logrus.WithField("cmd", "engine")

	e := &engine.Engine{}
	err := e.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func keysAction(_ *cli.Context) error {

	logrus.Info("Starting keys CMD")
	logrus.WithField("cmd", "keys")

	k := &keys.Keys{}
	err := k.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}
