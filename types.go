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

// Package modbus implements a simulated Modbus TCP slave: a concurrency-safe
// register store shared between the network server and any in-process observer.
package modbus

import (
	"fmt"
	"strings"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served by the simulator.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
	FuncReportServerID         FunctionCode = 0x11
	FuncEncapsulatedInterface  FunctionCode = 0x2B
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReportServerID:
		return "ReportServerID"
	case FuncEncapsulatedInterface:
		return "EncapsulatedInterface"
	default:
		return "Unknown"
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityWriteCoils is the maximum number of coils that can be written.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU a Modbus TCP frame may carry.
	MaxPDUSize = 253

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the port the simulator listens on unless configured otherwise.
	DefaultPort = 5020

	// DefaultAddress is the interface the simulator binds unless configured otherwise.
	DefaultAddress = "0.0.0.0"
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Bank identifies one of the four register spaces of the device.
type Bank uint8

const (
	BankHolding Bank = iota
	BankCoil
	BankDiscrete
	BankInput

	numBanks = 4
)

// Default bank sizes.
const (
	DefaultHoldingSize  = 100
	DefaultCoilSize     = 20
	DefaultDiscreteSize = 100
	DefaultInputSize    = 100
)

// Banks lists every bank in display order.
var Banks = []Bank{BankHolding, BankCoil, BankDiscrete, BankInput}

// String returns the string representation of the bank.
func (b Bank) String() string {
	switch b {
	case BankHolding:
		return "holding"
	case BankCoil:
		return "coil"
	case BankDiscrete:
		return "discrete"
	case BankInput:
		return "input"
	default:
		return fmt.Sprintf("bank(%d)", uint8(b))
	}
}

// IsBit reports whether cells of the bank hold booleans.
func (b Bank) IsBit() bool {
	return b == BankCoil || b == BankDiscrete
}

// maxRead is the largest count a single read of the bank may return.
func (b Bank) maxRead() int {
	if b.IsBit() {
		return MaxQuantityCoils
	}
	return MaxQuantityRegisters
}

// maxWrite is the largest count a single write to the bank may carry.
// Discrete inputs and input registers are only written by observers, so
// they share their read maximum.
func (b Bank) maxWrite() int {
	switch b {
	case BankHolding:
		return MaxQuantityWriteRegisters
	case BankCoil:
		return MaxQuantityWriteCoils
	default:
		return b.maxRead()
	}
}

// ParseBank parses a bank name. Both long names and the usual short
// aliases (hr, co, di, ir) are accepted.
func ParseBank(s string) (Bank, error) {
	switch strings.ToLower(s) {
	case "holding", "holding-registers", "hr":
		return BankHolding, nil
	case "coil", "coils", "co", "c":
		return BankCoil, nil
	case "discrete", "discrete-inputs", "di":
		return BankDiscrete, nil
	case "input", "input-registers", "ir":
		return BankInput, nil
	default:
		return 0, fmt.Errorf("modbus: unknown bank %q", s)
	}
}
