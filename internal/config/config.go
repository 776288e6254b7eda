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

// Package config loads the simulator configuration from a YAML file,
// MODBUSSIM_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MODBUSSIM"

// Config is the complete simulator configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Banks    BanksConfig    `mapstructure:"banks"`
	Identity IdentityConfig `mapstructure:"identity"`
	Seed     []SeedConfig   `mapstructure:"seed"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig defines the listener.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	MaxConns     int           `mapstructure:"max_conns"`     // 0 = unlimited
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 0 = no idle timeout
	DrainTimeout time.Duration `mapstructure:"drain_timeout"` // wait for in-flight requests on stop
}

// BanksConfig defines the number of cells in each bank.
type BanksConfig struct {
	Holding  int `mapstructure:"holding"`
	Coils    int `mapstructure:"coils"`
	Discrete int `mapstructure:"discrete"`
	Input    int `mapstructure:"input"`
}

// IdentityConfig overrides the device identification objects.
type IdentityConfig struct {
	VendorName          string `mapstructure:"vendor_name"`
	ProductCode         string `mapstructure:"product_code"`
	Revision            string `mapstructure:"revision"`
	VendorURL           string `mapstructure:"vendor_url"`
	ProductName         string `mapstructure:"product_name"`
	ModelName           string `mapstructure:"model_name"`
	UserApplicationName string `mapstructure:"user_application_name"`
}

// SeedConfig preloads consecutive cells of a bank at startup.
type SeedConfig struct {
	Bank    string   `mapstructure:"bank"` // holding, coils, discrete, input or hr/co/di/ir
	Address uint16   `mapstructure:"address"`
	Values  []uint16 `mapstructure:"values"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // empty or "-" for stderr
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"address":       "server.address",
	"port":          "server.port",
	"max-conns":     "server.max_conns",
	"read-timeout":  "server.read_timeout",
	"drain-timeout": "server.drain_timeout",
	"log-level":     "log.level",
	"log-file":      "log.file",
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", modbus.DefaultAddress)
	v.SetDefault("server.port", modbus.DefaultPort)
	v.SetDefault("server.max_conns", 100)
	v.SetDefault("server.read_timeout", time.Duration(0))
	v.SetDefault("server.drain_timeout", 5*time.Second)

	v.SetDefault("banks.holding", modbus.DefaultHoldingSize)
	v.SetDefault("banks.coils", modbus.DefaultCoilSize)
	v.SetDefault("banks.discrete", modbus.DefaultDiscreteSize)
	v.SetDefault("banks.input", modbus.DefaultInputSize)

	id := modbus.DefaultIdentity()
	v.SetDefault("identity.vendor_name", id.VendorName)
	v.SetDefault("identity.product_code", id.ProductCode)
	v.SetDefault("identity.revision", id.MajorMinorRevision)
	v.SetDefault("identity.vendor_url", id.VendorURL)
	v.SetDefault("identity.product_name", id.ProductName)
	v.SetDefault("identity.model_name", id.ModelName)
	v.SetDefault("identity.user_application_name", id.UserApplicationName)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// AddFlags defines the server flags on flags.
func AddFlags(flags *pflag.FlagSet) {
	flags.StringP("address", "A", modbus.DefaultAddress, "Interface to bind.")
	flags.IntP("port", "P", modbus.DefaultPort, "TCP port to listen on.")
	flags.IntP("max-conns", "C", 100, "Maximum number of simultaneous connections (0 = unlimited).")
	flags.Duration("read-timeout", 0, "Close connections idle for this long (0 = never).")
	flags.Duration("drain-timeout", 5*time.Second, "Time allowed for in-flight requests on stop.")
	flags.String("log-level", "info", "Log verbosity level (debug, info, warn, error).")
	flags.String("log-file", "", "Log file name ('-' for stderr).")
}

// BindFlags binds every known flag present in flags to its configuration key.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads configFile, or config.yaml from the search path when
// configFile is empty, and returns the validated configuration. A missing
// config.yaml is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.modbussim")
		v.AddConfigPath("/etc/modbussim/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and seed placement.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConns < 0 {
		return fmt.Errorf("config: server.max_conns must not be negative")
	}
	if c.Server.ReadTimeout < 0 || c.Server.DrainTimeout < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}

	for kind, size := range c.bankSizes() {
		if size < 1 || size > 65536 {
			return fmt.Errorf("config: %s bank size %d out of range [1,65536]", kind, size)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}

	sizes := c.bankSizes()
	for i, seed := range c.Seed {
		kind, err := modbus.ParseBank(seed.Bank)
		if err != nil {
			return fmt.Errorf("config: seed[%d]: %w", i, err)
		}
		if len(seed.Values) == 0 {
			return fmt.Errorf("config: seed[%d]: no values", i)
		}
		if end := int(seed.Address) + len(seed.Values); end > sizes[kind] {
			return fmt.Errorf("config: seed[%d]: %s [%d,%d) exceeds bank size %d",
				i, kind, seed.Address, end, sizes[kind])
		}
	}
	return nil
}

func (c *Config) bankSizes() map[modbus.Bank]int {
	return map[modbus.Bank]int{
		modbus.BankHolding:  c.Banks.Holding,
		modbus.BankCoil:     c.Banks.Coils,
		modbus.BankDiscrete: c.Banks.Discrete,
		modbus.BankInput:    c.Banks.Input,
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// StoreOptions returns the bank sizes as store options.
func (c *Config) StoreOptions() []modbus.StoreOption {
	var opts []modbus.StoreOption
	for kind, size := range c.bankSizes() {
		opts = append(opts, modbus.WithBankSize(kind, size))
	}
	return opts
}

// ServerOptions returns the listener settings and identity as server options.
func (c *Config) ServerOptions() []modbus.ServerOption {
	return []modbus.ServerOption{
		modbus.WithMaxConnections(c.Server.MaxConns),
		modbus.WithReadTimeout(c.Server.ReadTimeout),
		modbus.WithDrainTimeout(c.Server.DrainTimeout),
		modbus.WithIdentity(c.DeviceIdentity()),
	}
}

// DeviceIdentity returns the configured identification.
func (c *Config) DeviceIdentity() *modbus.DeviceIdentity {
	return &modbus.DeviceIdentity{
		VendorName:          c.Identity.VendorName,
		ProductCode:         c.Identity.ProductCode,
		MajorMinorRevision:  c.Identity.Revision,
		VendorURL:           c.Identity.VendorURL,
		ProductName:         c.Identity.ProductName,
		ModelName:           c.Identity.ModelName,
		UserApplicationName: c.Identity.UserApplicationName,
	}
}

// ApplySeeds writes the seed values into store.
func (c *Config) ApplySeeds(store *modbus.Store) error {
	for i, seed := range c.Seed {
		kind, err := modbus.ParseBank(seed.Bank)
		if err != nil {
			return fmt.Errorf("config: seed[%d]: %w", i, err)
		}
		// Seeds may exceed a single request's quantity limit.
		for off := 0; off < len(seed.Values); off += modbus.MaxQuantityWriteRegisters {
			end := off + modbus.MaxQuantityWriteRegisters
			if end > len(seed.Values) {
				end = len(seed.Values)
			}
			if err := store.Write(kind, seed.Address+uint16(off), seed.Values[off:end]); err != nil {
				return fmt.Errorf("config: seed[%d]: %w", i, err)
			}
		}
	}
	return nil
}
