package keys

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/database"
	"phasedexecutor/src/model"
	"phasedexecutor/src/repository"
	"phasedexecutor/src/security"
)

func printUsage() {
	fmt.Println("Available commands:")
	fmt.Println("  help                             Show this help message")
	fmt.Println("  shutdown                         Exit the application")
	fmt.Println("  set_key <api_key> <api_secret>   Store encrypted venue credentials")
	fmt.Println("  set_size <position_size>         Set the default position size in dollars")
	fmt.Println("  show                             Show which settings are present")
	fmt.Println()
}

// Keys is a small interactive CLI for managing venue credentials and the
// position size without going through the HTTP API.
type Keys struct{}

func (k *Keys) Start() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	settings := repository.NewSettingRepository()
	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 1024), 1024*1024)

	printUsage()
	for {
		fmt.Print("cmd> ")

		if !reader.Scan() {
			return reader.Err()
		}

		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]

		switch cmd {

		case "shutdown":
			fmt.Println("Exiting CLI...")
			return nil

		case "help":
			printUsage()

		case "set_key":
			if len(parts) < 3 {
				printUsage()
				continue
			}
			apiKey, apiSecret := parts[1], parts[2]

			encryptedKey, err := security.EncryptString(apiKey)
			if err != nil {
				logger.WithError(err).Error("Failed to encrypt key")
				continue
			}
			encryptedSecret, err := security.EncryptString(apiSecret)
			if err != nil {
				logger.WithError(err).Error("Failed to encrypt secret")
				continue
			}

			if err := settings.Set(ctx, model.SettingVenueAPIKey, encryptedKey, true); err != nil {
				logger.WithError(err).Error("Failed to store venue API key")
				continue
			}
			if err := settings.Set(ctx, model.SettingVenueAPISecret, encryptedSecret, true); err != nil {
				logger.WithError(err).Error("Failed to store venue API secret")
				continue
			}
			fmt.Println("Venue credentials stored")

		case "set_size":
			if len(parts) < 2 {
				printUsage()
				continue
			}
			if err := settings.Set(ctx, model.SettingPositionSize, parts[1], false); err != nil {
				logger.WithError(err).Error("Failed to store position size")
				continue
			}
			fmt.Println("Position size stored")

		case "show":
			for _, key := range []string{model.SettingVenueAPIKey, model.SettingVenueAPISecret, model.SettingPositionSize} {
				setting, err := settings.Get(ctx, key)
				if err != nil {
					logger.WithError(err).Error("Failed to read setting")
					continue
				}
				if setting == nil {
					fmt.Printf("  %s: (not set)\n", key)
				} else if setting.Encrypted {
					fmt.Printf("  %s: (encrypted)\n", key)
				} else {
					fmt.Printf("  %s: %s\n", key, setting.Value)
				}
			}

		default:
			fmt.Println("Unknown command:", cmd)
			printUsage()
		}
	}
}
