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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-sim"
	"github.com/edgeo-scada/modbus-sim/internal/config"
)

var serveConsole bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Modbus TCP slave simulator",
	Long: `Run the simulator: four register banks held in memory and served to any
number of Modbus TCP clients.

Banks:
  holding   - holding registers (FC03 read, FC06/FC16 write)
  coils     - coils (FC01 read, FC05/FC15 write)
  discrete  - discrete inputs (FC02 read, console only writes)
  input     - input registers (FC04 read, console only writes)

With --console an interactive shell shares the store with the server;
quitting the shell stops the server. Otherwise the server runs until
SIGINT or SIGTERM.`,
	Example: `  modbussim serve
  modbussim serve -P 1502 --console
  modbussim serve --config ./config.yaml --log-level debug`,
	Annotations: map[string]string{serverFlagsAnnotation: ""},
	RunE:        runServe,
}

func init() {
	config.AddFlags(serveCmd.Flags())
	serveCmd.Flags().BoolVar(&serveConsole, "console", false, "Run the interactive console")
}

func runServe(cmd *cobra.Command, args []string) error {
	store := modbus.NewStore(cfg.StoreOptions()...)
	if err := cfg.ApplySeeds(store); err != nil {
		return err
	}

	opts := append(cfg.ServerOptions(), modbus.WithServerLogger(logger))
	server := modbus.NewServer(store, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(cfg.Addr()); err != nil {
		return err
	}

	if serveConsole {
		console := newConsole(server, cfg.Server.Address, cfg.Server.Port, stdout)
		done := make(chan error, 1)
		go func() { done <- console.Run(ctx, os.Stdin) }()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			fmt.Fprintln(stdout)
		}
		return shutdown(server, err)
	}

	outputInfo(stdout, "Simulator listening on %s (Ctrl+C to stop)", server.Addr())
	<-ctx.Done()
	return shutdown(server, nil)
}

func shutdown(server *modbus.Server, err error) error {
	logger.Info("shutting down", slog.Int("conns", server.ActiveConnections()))
	if stopErr := server.Stop(); stopErr != nil && !errors.Is(stopErr, modbus.ErrServerStopped) {
		return errors.Join(err, stopErr)
	}
	return err
}
