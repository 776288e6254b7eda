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
)

// Dispatcher applies decoded requests to a Store. It is stateless and safe
// for concurrent use by any number of connection handlers.
type Dispatcher struct {
	store    *Store
	identity *DeviceIdentity
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher serving store. A nil identity uses
// DefaultIdentity.
func NewDispatcher(store *Store, identity *DeviceIdentity, logger *slog.Logger) *Dispatcher {
	if identity == nil {
		identity = DefaultIdentity()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, identity: identity, logger: logger}
}

// Handle decodes a request PDU, applies it and returns the encoded
// response PDU. Every failure is reported as an exception PDU.
func (d *Dispatcher) Handle(pdu []byte) []byte {
	req, err := DecodeRequest(pdu)
	if err != nil {
		var fc FunctionCode
		if len(pdu) > 0 {
			fc = FunctionCode(pdu[0])
		}
		return ExceptionResponse(fc, exceptionCodeOf(err)).Encode()
	}
	return d.Dispatch(req).Encode()
}

// Dispatch applies req to the store.
func (d *Dispatcher) Dispatch(req *Request) *Response {
	resp, err := d.dispatch(req)
	if err != nil {
		ec := exceptionCodeOf(err)
		if ec == ExceptionServerDeviceFailure {
			d.logger.Error("request failed",
				slog.String("func", req.Function.String()),
				slog.String("error", err.Error()))
		}
		return ExceptionResponse(req.Function, ec)
	}
	return resp
}

func (d *Dispatcher) dispatch(req *Request) (*Response, error) {
	resp := &Response{
		Function: req.Function,
		Address:  req.Address,
		Quantity: req.Quantity,
	}

	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		kind, _ := req.Bank()
		bits, err := d.store.ReadBits(kind, req.Address, req.Quantity)
		if err != nil {
			return nil, err
		}
		resp.Bits = bits

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		kind, _ := req.Bank()
		regs, err := d.store.ReadRegisters(kind, req.Address, req.Quantity)
		if err != nil {
			return nil, err
		}
		resp.Registers = regs

	case FuncWriteSingleCoil, FuncWriteMultipleCoils:
		if err := d.store.WriteBits(BankCoil, req.Address, req.Bits); err != nil {
			return nil, err
		}
		resp.Bits = req.Bits

	case FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		if err := d.store.WriteRegisters(BankHolding, req.Address, req.Registers); err != nil {
			return nil, err
		}
		resp.Registers = req.Registers

	case FuncReportServerID:
		resp.Data = d.identity.serverID()

	case FuncEncapsulatedInterface:
		body, err := d.identity.readDeviceID(req.ReadCode, req.ObjectID)
		if err != nil {
			return nil, err
		}
		resp.Data = body

	default:
		return nil, NewModbusError(req.Function, ExceptionIllegalFunction)
	}

	return resp, nil
}
