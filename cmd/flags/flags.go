// Package flags holds the urfave/cli flags shared by the passport commands.
package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/secure-values/api"
	"github.com/ruteri/secure-values/common"
	"github.com/urfave/cli/v2"
)

var (
	LogJSONFlag = &cli.BoolFlag{
		Name:    "log-json",
		Usage:   "log in JSON format",
		EnvVars: []string{"SECURE_VALUES_LOG_JSON"},
	}
	LogDebugFlag = &cli.BoolFlag{
		Name:    "log-debug",
		Usage:   "log debug messages",
		EnvVars: []string{"SECURE_VALUES_LOG_DEBUG"},
	}
	LogUIDFlag = &cli.BoolFlag{
		Name:  "log-uid",
		Usage: "tag every log line with a random run id",
	}
	logServiceFlagName = "log-service"
)

// LogFlags returns the logging flags with service as the default service tag.
func LogFlags(service string) []cli.Flag {
	return []cli.Flag{
		LogJSONFlag,
		LogDebugFlag,
		LogUIDFlag,
		&cli.StringFlag{
			Name:  logServiceFlagName,
			Value: service,
			Usage: "value of the 'service' log attribute",
		},
	}
}

// SetupLogger builds the process logger from the LogFlags values.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: cCtx.String(logServiceFlagName),
		Version: common.Version,
	})
	if cCtx.Bool(LogUIDFlag.Name) {
		logger = logger.With("uid", uuid.NewString())
	}
	return logger
}

var (
	ServerURLFlag = &cli.StringFlag{
		Name:    "server-url",
		Value:   "http://127.0.0.1:8080",
		Usage:   "secure values service to talk to",
		EnvVars: []string{"SECURE_VALUES_SERVER"},
	}
	StorageFlag = &cli.StringSliceFlag{
		Name:    "storage",
		Value:   cli.NewStringSlice("file:///tmp/secure-values/files"),
		Usage:   "storage location URI for encrypted files (file://, bolt://, s3://, ipfs://, vault://); repeat for redundancy",
		EnvVars: []string{"SECURE_VALUES_STORAGE"},
	}
)

var (
	ListenAddrFlag = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address the service listens on",
		EnvVars: []string{"SECURE_VALUES_LISTEN_ADDR"},
	}
	PprofFlag = &cli.BoolFlag{
		Name:  "pprof",
		Usage: "serve /debug/pprof",
	}
	DrainFlag = &cli.DurationFlag{
		Name:  "drain",
		Value: api.DefaultDrainDuration,
		Usage: "time between failing readiness and closing the listener on shutdown",
	}

	ServerFlags = []cli.Flag{ListenAddrFlag, PprofFlag, DrainFlag}
)

// ConfigureServer builds the HTTP server config from ServerFlags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	cfg := api.DefaultHTTPServerConfig(cCtx.String(ListenAddrFlag.Name), logger)
	cfg.EnablePprof = cCtx.Bool(PprofFlag.Name)
	cfg.DrainDuration = cCtx.Duration(DrainFlag.Name)
	return cfg
}
