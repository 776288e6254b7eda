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
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	modbus "github.com/edgeo-scada/modbus-sim"
	"github.com/edgeo-scada/modbus-sim/internal/config"
	"github.com/spf13/pflag"
)

func startSimulator(t *testing.T) *modbus.Server {
	t.Helper()
	noColor = true
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	server := modbus.NewServer(modbus.NewStore(), modbus.WithServerLogger(logger))
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func runConsole(t *testing.T, server *modbus.Server, script string) string {
	t.Helper()
	var out bytes.Buffer
	console := newConsole(server, "127.0.0.1", 0, &out)
	if err := console.Run(context.Background(), strings.NewReader(script)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return out.String()
}

func TestConsoleSetGet(t *testing.T) {
	server := startSimulator(t)

	out := runConsole(t, server, "set hr 10 4242,7\nget hr 10 2\nquit\n")
	if !strings.Contains(out, "Wrote 2 holding value(s) at address 10") {
		t.Errorf("missing write confirmation:\n%s", out)
	}
	if !strings.Contains(out, "4242") || !strings.Contains(out, "0x1092") {
		t.Errorf("missing register value:\n%s", out)
	}

	regs, _ := server.Store().ReadRegisters(modbus.BankHolding, 10, 2)
	if regs[0] != 4242 || regs[1] != 7 {
		t.Errorf("store: expected [4242 7], got %v", regs)
	}
}

func TestConsoleWritesReadOnlyBanks(t *testing.T) {
	server := startSimulator(t)

	runConsole(t, server, "set di 3 on\nset ir 0 0x10 0b11\n")

	di, _ := server.Store().ReadBits(modbus.BankDiscrete, 3, 1)
	if !di[0] {
		t.Error("discrete input 3 should be on")
	}
	ir, _ := server.Store().ReadRegisters(modbus.BankInput, 0, 2)
	if ir[0] != 16 || ir[1] != 3 {
		t.Errorf("input registers: expected [16 3], got %v", ir)
	}
}

func TestConsoleToggle(t *testing.T) {
	server := startSimulator(t)

	out := runConsole(t, server, "toggle 5\ntoggle di 1\ntoggle hr 1\n")
	if !strings.Contains(out, "coil 5 is now ON") {
		t.Errorf("missing coil toggle:\n%s", out)
	}
	if !strings.Contains(out, "discrete 1 is now ON") {
		t.Errorf("missing discrete toggle:\n%s", out)
	}
	if !strings.Contains(out, "ERROR") {
		t.Errorf("toggling a register bank should fail:\n%s", out)
	}
}

func TestConsoleOutputFormats(t *testing.T) {
	server := startSimulator(t)
	server.Store().WriteBits(modbus.BankCoil, 5, []bool{true})

	out := runConsole(t, server, "output hex\nget co 0 8\noutput raw\nget co 0 8\noutput bogus\n")
	if !strings.Contains(out, "> 20\n") {
		t.Errorf("missing hex coils:\n%s", out)
	}
	if !strings.Contains(out, "00000100") {
		t.Errorf("missing raw coils:\n%s", out)
	}
	if !strings.Contains(out, "invalid format: bogus") {
		t.Errorf("missing format error:\n%s", out)
	}
}

func TestConsoleDump(t *testing.T) {
	server := startSimulator(t)
	server.Store().WriteRegisters(modbus.BankHolding, 12, []uint16{99})

	out := runConsole(t, server, "dump hr 10 10\ndump hr 95 10\n")
	if !strings.Contains(out, "Holding Registers (Address 10-19)") {
		t.Errorf("missing dump header:\n%s", out)
	}
	if !strings.Contains(out, "99") {
		t.Errorf("missing dumped value:\n%s", out)
	}
	if !strings.Contains(out, "illegal data address") {
		t.Errorf("dump past the end should fail:\n%s", out)
	}
}

func TestConsoleWatch(t *testing.T) {
	server := startSimulator(t)

	go func() {
		time.Sleep(15 * time.Millisecond)
		server.Store().WriteRegisters(modbus.BankHolding, 1, []uint16{5})
	}()

	out := runConsole(t, server, "watch hr 0 2 10ms 5\n")
	if strings.Count(out, "] #") != 5 {
		t.Errorf("expected 5 polls:\n%s", out)
	}
	if !strings.Contains(out, "1=5*") {
		t.Errorf("missing highlighted change:\n%s", out)
	}
}

func TestConsoleServerControl(t *testing.T) {
	server := startSimulator(t)

	out := runConsole(t, server, "status\nstop\nstatus\nstop\nstart\nstatus\n")
	if !strings.Contains(out, "Status:        Running") {
		t.Errorf("missing running status:\n%s", out)
	}
	if !strings.Contains(out, "Server stopped") || !strings.Contains(out, "Status:        Stopped") {
		t.Errorf("missing stop:\n%s", out)
	}
	if !strings.Contains(out, "Server is not running") {
		t.Errorf("missing warning on second stop:\n%s", out)
	}
	if !strings.Contains(out, "Server listening on 127.0.0.1:") {
		t.Errorf("missing restart:\n%s", out)
	}
	if !server.Running() {
		t.Error("server should be running after start")
	}

	out = runConsole(t, server, "start\n")
	if !strings.Contains(out, "already running") {
		t.Errorf("expected already running error:\n%s", out)
	}
}

func TestConsoleStatsAndIdent(t *testing.T) {
	server := startSimulator(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	req := &modbus.Frame{Header: modbus.MBAPHeader{TransactionID: 1, UnitID: 1}, PDU: []byte{0x03, 0x00, 0x00, 0x00, 0xC8}}
	modbus.WriteFrame(conn, req)
	if _, err := modbus.ReadFrame(conn); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	out := runConsole(t, server, "stats\nident\nstats reset\n")
	if !strings.Contains(out, "requests_total") || !strings.Contains(out, "ReadHoldingRegisters") {
		t.Errorf("missing statistics:\n%s", out)
	}
	if !strings.Contains(out, "VendorName") || !strings.Contains(out, "ModbusPal Inspired Server") {
		t.Errorf("missing identification:\n%s", out)
	}
	if server.Metrics().RequestsTotal.Value() != 0 {
		t.Errorf("stats reset: expected 0 requests, got %d", server.Metrics().RequestsTotal.Value())
	}
}

func TestConsoleErrors(t *testing.T) {
	server := startSimulator(t)

	out := runConsole(t, server, "frobnicate\nget\nget xx 0\nset hr 0 70000\nget hr 99 5\n")
	for _, want := range []string{
		"unknown command: frobnicate",
		"usage: get",
		"unknown bank",
		"invalid value",
		"illegal data address",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}
}

func TestConsoleStopsOnContext(t *testing.T) {
	server := startSimulator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	console := newConsole(server, "127.0.0.1", 0, &out)
	if err := console.Run(ctx, strings.NewReader("set hr 0 1\n")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	regs, _ := server.Store().ReadRegisters(modbus.BankHolding, 0, 1)
	if regs[0] != 0 {
		t.Error("no command should run after the context is done")
	}
}

func probeTarget(t *testing.T, server *modbus.Server) {
	t.Helper()
	host, port, err := net.SplitHostPort(server.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	probeHost = host
	probePort, _ = strconv.Atoi(port)
	probeUnit = 1
	probeTimeout = 2 * time.Second
	probeOutput = "raw"
	probeInterval = 0
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestProbeWriteRead(t *testing.T) {
	server := startSimulator(t)
	probeTarget(t, server)
	out := captureStdout(t)

	probeAddr = 10
	probeValues = []string{"4242", "0x10"}
	if err := runProbeWrite(probeWriteCmd, []string{"hr"}); err != nil {
		t.Fatalf("write registers failed: %v", err)
	}
	probeValues = []string{"on"}
	probeAddr = 5
	if err := runProbeWrite(probeWriteCmd, []string{"coils"}); err != nil {
		t.Fatalf("write coil failed: %v", err)
	}

	out.Reset()
	probeAddr, probeCount = 10, 2
	if err := runProbeRead(probeReadCmd, []string{"hr"}); err != nil {
		t.Fatalf("read registers failed: %v", err)
	}
	if out.String() != "4242\n16\n" {
		t.Errorf("expected 4242 and 16, got %q", out.String())
	}

	out.Reset()
	probeAddr, probeCount = 0, 8
	if err := runProbeRead(probeReadCmd, []string{"co"}); err != nil {
		t.Fatalf("read coils failed: %v", err)
	}
	if out.String() != "00000100\n" {
		t.Errorf("expected 00000100, got %q", out.String())
	}
}

func TestProbeErrors(t *testing.T) {
	server := startSimulator(t)
	probeTarget(t, server)
	captureStdout(t)

	probeAddr, probeCount = 98, 5
	err := runProbeRead(probeReadCmd, []string{"hr"})
	if !modbus.IsIllegalDataAddress(err) {
		t.Errorf("expected illegal data address, got %v", err)
	}

	probeValues = []string{"1"}
	if err := runProbeWrite(probeWriteCmd, []string{"ir"}); err == nil {
		t.Error("writing input registers should fail")
	}
}

func TestProbeWatch(t *testing.T) {
	server := startSimulator(t)
	probeTarget(t, server)
	out := captureStdout(t)

	probeOutput = "table"
	probeInterval = 10 * time.Millisecond
	probeIterations = 3
	defer func() { probeInterval, probeIterations = 0, 0 }()

	probeAddr, probeCount = 0, 1
	if err := runProbeRead(probeReadCmd, []string{"ir"}); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if !strings.Contains(out.String(), "3 polls, 0 errors") {
		t.Errorf("missing summary:\n%s", out.String())
	}
}

func TestSetupLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.log")
	l, closer, err := setupLogger(config.LogConfig{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("setupLogger failed: %v", err)
	}
	l.Debug("hello", slog.Int("n", 1))
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello n=1") {
		t.Errorf("unexpected log contents: %q", data)
	}

	_, closer, err = setupLogger(config.LogConfig{Level: "warn", File: "-"})
	if err != nil || closer != nil {
		t.Errorf("stderr logger: expected no closer and no error, got %v, %v", closer, err)
	}
}

func TestLoadConfigFlagScope(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfgFile = ""

	setFlag := func(cmd interface{ Flags() *pflag.FlagSet }, name, value, reset string) {
		t.Helper()
		if err := cmd.Flags().Set(name, value); err != nil {
			t.Fatalf("Set %s failed: %v", name, err)
		}
		t.Cleanup(func() { cmd.Flags().Set(name, reset) })
	}

	setFlag(probeReadCmd, "address", "7", "0")
	c, _, err := loadConfig(probeReadCmd)
	if err != nil {
		t.Fatalf("loadConfig(probe read) failed: %v", err)
	}
	if c.Server.Address != modbus.DefaultAddress {
		t.Errorf("probe --address leaked into server.address: %q", c.Server.Address)
	}
	if probeAddr != 7 {
		t.Errorf("probe address: expected 7, got %d", probeAddr)
	}

	setFlag(serveCmd, "address", "127.0.0.9", modbus.DefaultAddress)
	setFlag(serveCmd, "port", "7000", strconv.Itoa(modbus.DefaultPort))
	c, _, err = loadConfig(serveCmd)
	if err != nil {
		t.Fatalf("loadConfig(serve) failed: %v", err)
	}
	if c.Server.Address != "127.0.0.9" || c.Server.Port != 7000 {
		t.Errorf("serve flags not applied: %+v", c.Server)
	}
}
