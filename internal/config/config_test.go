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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-sim"
)

const testConfig = `
server:
  address: 127.0.0.1
  port: 1502
  max_conns: 4
  read_timeout: 30s
banks:
  holding: 200
  coils: 64
identity:
  vendor_name: Acme
  product_code: SIM
seed:
  - bank: holding
    address: 10
    values: [4242, 7]
  - bank: co
    address: 5
    values: [1]
log:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(viper.New(), writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:1502" {
		t.Errorf("Addr: expected 127.0.0.1:1502, got %s", cfg.Addr())
	}
	if cfg.Server.MaxConns != 4 {
		t.Errorf("MaxConns: expected 4, got %d", cfg.Server.MaxConns)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout: expected 30s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.DrainTimeout != 5*time.Second {
		t.Errorf("DrainTimeout: expected default 5s, got %v", cfg.Server.DrainTimeout)
	}
	if cfg.Banks.Holding != 200 || cfg.Banks.Coils != 64 || cfg.Banks.Input != modbus.DefaultInputSize {
		t.Errorf("unexpected banks %+v", cfg.Banks)
	}
	if len(cfg.Seed) != 2 || cfg.Seed[0].Values[0] != 4242 {
		t.Errorf("unexpected seed %+v", cfg.Seed)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: expected debug, got %s", cfg.Log.Level)
	}

	id := cfg.DeviceIdentity()
	if id.VendorName != "Acme" || id.ProductCode != "SIM" {
		t.Errorf("identity overrides not applied: %+v", id)
	}
	if id.MajorMinorRevision != "1.0" {
		t.Errorf("Revision: expected default 1.0, got %q", id.MajorMinorRevision)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for an explicit missing file")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != modbus.DefaultPort || cfg.Server.Address != modbus.DefaultAddress {
		t.Errorf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Banks.Coils != modbus.DefaultCoilSize {
		t.Errorf("Coils: expected %d, got %d", modbus.DefaultCoilSize, cfg.Banks.Coils)
	}
	if cfg.Identity.ProductName != "ModbusPal Inspired Server" {
		t.Errorf("ProductName: got %q", cfg.Identity.ProductName)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MODBUSSIM_SERVER_PORT", "1503")
	t.Setenv("MODBUSSIM_LOG_LEVEL", "warn")

	cfg, err := Load(viper.New(), writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 1503 {
		t.Errorf("Port: expected 1503 from env, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level: expected warn from env, got %s", cfg.Log.Level)
	}
}

func TestBindFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	if err := flags.Parse([]string{"--port", "7000", "-C", "0"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	v := viper.New()
	if err := BindFlags(v, flags); err != nil {
		t.Fatalf("BindFlags failed: %v", err)
	}
	cfg, err := Load(v, writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("Port: expected 7000 from flag, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConns != 0 {
		t.Errorf("MaxConns: expected 0 from flag, got %d", cfg.Server.MaxConns)
	}
	// Unset flags do not override the file.
	if cfg.Server.Address != "127.0.0.1" {
		t.Errorf("Address: expected 127.0.0.1 from file, got %s", cfg.Server.Address)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"negative conns", "server:\n  max_conns: -1\n", "max_conns"},
		{"empty bank", "banks:\n  holding: 0\n", "bank size"},
		{"huge bank", "banks:\n  input: 70000\n", "bank size"},
		{"bad level", "log:\n  level: loud\n", "log level"},
		{"unknown seed bank", "seed:\n  - bank: nope\n    values: [1]\n", "unknown bank"},
		{"empty seed", "seed:\n  - bank: hr\n    address: 1\n", "no values"},
		{"seed past end", "seed:\n  - bank: coils\n    address: 19\n    values: [1, 1]\n", "exceeds bank size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestApplySeeds(t *testing.T) {
	cfg, err := Load(viper.New(), writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	store := modbus.NewStore(cfg.StoreOptions()...)
	if store.Size(modbus.BankHolding) != 200 {
		t.Errorf("holding size: expected 200, got %d", store.Size(modbus.BankHolding))
	}
	if err := cfg.ApplySeeds(store); err != nil {
		t.Fatalf("ApplySeeds failed: %v", err)
	}

	regs, _ := store.ReadRegisters(modbus.BankHolding, 10, 2)
	if regs[0] != 4242 || regs[1] != 7 {
		t.Errorf("holding 10-11: expected [4242 7], got %v", regs)
	}
	coils, _ := store.ReadBits(modbus.BankCoil, 5, 1)
	if !coils[0] {
		t.Error("coil 5 should be seeded on")
	}
}

func TestApplySeedsLongRun(t *testing.T) {
	values := make([]uint16, 300)
	for i := range values {
		values[i] = uint16(i)
	}
	cfg := &Config{Seed: []SeedConfig{{Bank: "input", Address: 0, Values: values}}}

	store := modbus.NewStore(modbus.WithBankSize(modbus.BankInput, 300))
	if err := cfg.ApplySeeds(store); err != nil {
		t.Fatalf("ApplySeeds failed: %v", err)
	}
	snap := store.Snapshot(modbus.BankInput)
	if snap[0] != 0 || snap[150] != 150 || snap[299] != 299 {
		t.Errorf("unexpected input bank contents at 0/150/299: %d %d %d", snap[0], snap[150], snap[299])
	}
}
