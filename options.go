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

package modbus

import (
	"log/slog"
	"time"
)

// StoreOption is a functional option for configuring the store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	sizes [numBanks]int
}

func defaultStoreOptions() *storeOptions {
	o := &storeOptions{}
	o.sizes[BankHolding] = DefaultHoldingSize
	o.sizes[BankCoil] = DefaultCoilSize
	o.sizes[BankDiscrete] = DefaultDiscreteSize
	o.sizes[BankInput] = DefaultInputSize
	return o
}

// WithBankSize sets the number of cells of a bank. Sizes are clamped to
// the 16-bit address space; non-positive sizes keep the default.
func WithBankSize(kind Bank, size int) StoreOption {
	return func(o *storeOptions) {
		if int(kind) >= numBanks || size <= 0 {
			return
		}
		if size > 65536 {
			size = 65536
		}
		o.sizes[kind] = size
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger       *slog.Logger
	maxConns     int
	readTimeout  time.Duration
	drainTimeout time.Duration
	identity     *DeviceIdentity
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:       slog.Default(),
		maxConns:     100,
		drainTimeout: 5 * time.Second,
		identity:     DefaultIdentity(),
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout closes connections that stay idle longer than d.
// Zero disables the timeout.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithDrainTimeout sets how long Stop waits for in-flight requests before
// closing the remaining connections.
func WithDrainTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.drainTimeout = d
	}
}

// WithIdentity sets the identification objects answered by the
// Read Device Identification and Report Server ID functions.
func WithIdentity(id *DeviceIdentity) ServerOption {
	return func(o *serverOptions) {
		if id != nil {
			o.identity = id
		}
	}
}
