// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-sim/internal/config"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "modbussim",
	Short: "Modbus TCP slave simulator",
	Long: `modbussim simulates a Modbus TCP slave device holding four register
banks in memory, and probes other Modbus TCP servers.

Examples:
  # Serve on the default port 5020 with an interactive console
  modbussim serve --console

  # Serve with a configuration file
  modbussim serve --config ./config.yaml -P 1502

  # Read 10 holding registers from a running simulator
  modbussim probe read hr -a 0 -c 10 -H 127.0.0.1

  # Write a coil
  modbussim probe write coils -a 5 -V on`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c

		logger, logFile, err = setupLogger(cfg.Log)
		if err != nil {
			return err
		}
		if path != "" {
			logger.Debug("using config file", slog.String("path", path))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml in ., $HOME/.modbussim, /etc/modbussim)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
}

// serverFlagsAnnotation marks commands whose local flags override the
// server configuration keys.
const serverFlagsAnnotation = "modbussim/server-flags"

// loadConfig loads the configuration for cmd and returns it with the path
// of the config file used, if any. Only commands annotated with
// serverFlagsAnnotation bind their flags: probe's --address is a register
// address, not server.address.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	v := viper.New()
	if _, ok := cmd.Annotations[serverFlagsAnnotation]; ok {
		if err := config.BindFlags(v, cmd.LocalNonPersistentFlags()); err != nil {
			return nil, "", err
		}
	}
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, "", err
	}
	if verbose {
		c.Log.Level = "debug"
	}
	return c, v.ConfigFileUsed(), nil
}

// setupLogger builds the process logger. The returned closer is nil when
// logging to stderr.
func setupLogger(c config.LogConfig) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch strings.ToLower(c.Level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	if c.File == "" || c.File == "-" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil, nil
	}

	f, err := os.OpenFile(c.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, opts)), f, nil
}
