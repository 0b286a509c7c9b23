package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/secure-values/api/devremote"
	"github.com/ruteri/secure-values/api/handlers"
	"github.com/ruteri/secure-values/cmd/flags"
	"github.com/ruteri/secure-values/httpserver"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/urfave/cli/v2"
)

var flagPassword = &cli.StringFlag{
	Name:    "password",
	Usage:   "account password; empty means the account has none",
	EnvVars: []string{"SECURE_VALUES_ACCOUNT_PASSWORD"},
}

var flagHint = &cli.StringFlag{
	Name:  "hint",
	Usage: "password hint returned with the password info",
}

var flagKDF = &cli.StringFlag{
	Name:  "kdf",
	Value: string(interfaces.KDFPBKDF2SHA512),
	Usage: "master secret key derivation: '' (legacy sha512), 'pbkdf2-sha512' or 'argon2id'",
}

var flagRequiredTypes = &cli.StringSliceFlag{
	Name:  "require",
	Value: cli.NewStringSlice("personal_details", "passport", "phone_number"),
	Usage: "value types requested when a form request carries no scope",
}

var flagSelfieRequired = &cli.BoolFlag{
	Name:  "selfie-required",
	Usage: "require a selfie with identity documents",
}

var flagPrivacyPolicy = &cli.StringFlag{
	Name:  "privacy-policy-url",
	Usage: "privacy policy of the requesting party",
}

var flagBotKeys = &cli.StringSliceFlag{
	Name:  "bot-key",
	Usage: "<bot id>=<path to PEM private key>; accepted credentials for that bot are decrypted and recorded",
}

var flagCallTimeout = &cli.Int64Flag{
	Name:  "call-timeout-seconds",
	Value: 60,
	Usage: "offer a voice call after this many seconds; 0 disables it",
}

var flagCodeLength = &cli.IntFlag{
	Name:  "code-length",
	Value: 5,
	Usage: "length of verification codes",
}

func main() {
	app := &cli.App{
		Name:  "passport-server",
		Usage: "Serve an in-memory secure values service for development",
		Flags: append(append([]cli.Flag{
			flagPassword,
			flagHint,
			flagKDF,
			flagRequiredTypes,
			flagSelfieRequired,
			flagPrivacyPolicy,
			flagBotKeys,
			flagCallTimeout,
			flagCodeLength,
		}, flags.LogFlags("passport-server")...), flags.ServerFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			required, err := parseValueTypes(cCtx.StringSlice(flagRequiredTypes.Name))
			if err != nil {
				return err
			}

			botKeys, err := loadBotKeys(cCtx.StringSlice(flagBotKeys.Name))
			if err != nil {
				logger.Error("Failed to load bot keys", "err", err)
				return err
			}

			service, err := devremote.NewService(devremote.Options{
				Password:         cCtx.String(flagPassword.Name),
				Hint:             cCtx.String(flagHint.Name),
				KDF:              interfaces.KDFAlgo(cCtx.String(flagKDF.Name)),
				RequiredTypes:    required,
				SelfieRequired:   cCtx.Bool(flagSelfieRequired.Name),
				PrivacyPolicyURL: cCtx.String(flagPrivacyPolicy.Name),
				BotKeys:          botKeys,
				CodeLength:       cCtx.Int(flagCodeLength.Name),
				CallTimeout:      time.Duration(cCtx.Int64(flagCallTimeout.Name)) * time.Second,
			}, logger)
			if err != nil {
				logger.Error("Failed to create service", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger)
			server, err := httpserver.New(cfg, handlers.NewHandler(service, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server",
				"required", cCtx.StringSlice(flagRequiredTypes.Name),
				"bots", len(botKeys))
			if _, err := server.Listen(); err != nil {
				logger.Error("Failed to start server", "err", err)
				return err
			}

			exit := make(chan os.Signal, 2)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			// A second signal skips the drain.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-exit:
					cancel()
				case <-ctx.Done():
				}
			}()
			if err := server.Shutdown(ctx); err != nil {
				return err
			}
			logger.Info("Server shutdown complete", "accepted", len(service.Accepted()))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseValueTypes(names []string) ([]interfaces.ValueType, error) {
	types := make([]interfaces.ValueType, 0, len(names))
	for _, name := range names {
		t, err := interfaces.ParseValueType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func loadBotKeys(entries []string) (map[int64][]byte, error) {
	keys := make(map[int64][]byte, len(entries))
	for _, entry := range entries {
		idStr, path, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid bot key %q, expected <bot id>=<path>", entry)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bot id %q: %w", idStr, err)
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read key for bot %d: %w", id, err)
		}
		keys[id] = pem
	}
	return keys, nil
}
