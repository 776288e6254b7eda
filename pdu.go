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
	"encoding/binary"
	"fmt"
)

// Request is a decoded Modbus request PDU.
type Request struct {
	// Copied from the MBAP header by the connection handler.
	TransactionID uint16
	UnitID        UnitID

	Function FunctionCode
	Address  uint16
	Quantity uint16

	Bits      []bool   // FC05 (one value), FC0F
	Registers []uint16 // FC06 (one value), FC10

	// FC2B
	MEIType  uint8
	ReadCode ReadDeviceIDCode
	ObjectID uint8
}

// Bank returns the bank addressed by the request's function code.
func (r *Request) Bank() (Bank, bool) {
	switch r.Function {
	case FuncReadCoils, FuncWriteSingleCoil, FuncWriteMultipleCoils:
		return BankCoil, true
	case FuncReadDiscreteInputs:
		return BankDiscrete, true
	case FuncReadHoldingRegisters, FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		return BankHolding, true
	case FuncReadInputRegisters:
		return BankInput, true
	default:
		return 0, false
	}
}

// Response is a Modbus response PDU before encoding.
type Response struct {
	Function  FunctionCode
	Exception ExceptionCode // non-zero for exception responses

	Address   uint16
	Quantity  uint16
	Bits      []bool   // FC01, FC02, FC05
	Registers []uint16 // FC03, FC04, FC06

	// Pre-encoded body for the diagnostic functions (FC11, FC2B).
	Data []byte
}

// ExceptionResponse creates the exception response for fc.
func ExceptionResponse(fc FunctionCode, ec ExceptionCode) *Response {
	return &Response{Function: fc, Exception: ec}
}

// IsException reports whether the response is an exception response.
func (r *Response) IsException() bool {
	return r.Exception != 0
}

// Err returns the response's exception as an error, or nil.
func (r *Response) Err() error {
	if !r.IsException() {
		return nil
	}
	return NewModbusError(r.Function, r.Exception)
}

// Encode encodes the response PDU.
func (r *Response) Encode() []byte {
	if r.IsException() {
		return []byte{byte(r.Function) | 0x80, byte(r.Exception)}
	}

	switch r.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		packed := packBits(r.Bits)
		resp := make([]byte, 2+len(packed))
		resp[0] = byte(r.Function)
		resp[1] = byte(len(packed))
		copy(resp[2:], packed)
		return resp

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		resp := make([]byte, 2+2*len(r.Registers))
		resp[0] = byte(r.Function)
		resp[1] = byte(2 * len(r.Registers))
		for i, v := range r.Registers {
			binary.BigEndian.PutUint16(resp[2+i*2:], v)
		}
		return resp

	case FuncWriteSingleCoil:
		value := CoilOff
		if len(r.Bits) > 0 && r.Bits[0] {
			value = CoilOn
		}
		return encodeAddrValue(r.Function, r.Address, value)

	case FuncWriteSingleRegister:
		var value uint16
		if len(r.Registers) > 0 {
			value = r.Registers[0]
		}
		return encodeAddrValue(r.Function, r.Address, value)

	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return encodeAddrValue(r.Function, r.Address, r.Quantity)

	default:
		resp := make([]byte, 1+len(r.Data))
		resp[0] = byte(r.Function)
		copy(resp[1:], r.Data)
		return resp
	}
}

func encodeAddrValue(fc FunctionCode, addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// DecodeRequest decodes a request PDU. It never panics: malformed input
// yields a *ModbusError carrying ExceptionIllegalFunction for unsupported
// function codes and ExceptionIllegalDataValue for inconsistent fields.
func DecodeRequest(pdu []byte) (*Request, error) {
	if len(pdu) == 0 {
		return nil, NewModbusError(0, ExceptionIllegalFunction)
	}
	fc := FunctionCode(pdu[0])
	data := pdu[1:]

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return decodeRead(fc, data, MaxQuantityCoils)
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return decodeRead(fc, data, MaxQuantityRegisters)
	case FuncWriteSingleCoil:
		return decodeWriteSingleCoil(data)
	case FuncWriteSingleRegister:
		return decodeWriteSingleRegister(data)
	case FuncWriteMultipleCoils:
		return decodeWriteMultipleCoils(data)
	case FuncWriteMultipleRegisters:
		return decodeWriteMultipleRegisters(data)
	case FuncReportServerID:
		if len(data) != 0 {
			return nil, NewModbusError(fc, ExceptionIllegalDataValue)
		}
		return &Request{Function: fc}, nil
	case FuncEncapsulatedInterface:
		return decodeEncapsulated(data)
	default:
		return nil, NewModbusError(fc, ExceptionIllegalFunction)
	}
}

func decodeRead(fc FunctionCode, data []byte, max uint16) (*Request, error) {
	if len(data) != 4 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	req := &Request{
		Function: fc,
		Address:  binary.BigEndian.Uint16(data[0:2]),
		Quantity: binary.BigEndian.Uint16(data[2:4]),
	}
	if req.Quantity < 1 || req.Quantity > max {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	return req, nil
}

func decodeWriteSingleCoil(data []byte) (*Request, error) {
	fc := FuncWriteSingleCoil
	if len(data) != 4 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	var on bool
	switch binary.BigEndian.Uint16(data[2:4]) {
	case CoilOn:
		on = true
	case CoilOff:
	default:
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	return &Request{
		Function: fc,
		Address:  binary.BigEndian.Uint16(data[0:2]),
		Quantity: 1,
		Bits:     []bool{on},
	}, nil
}

func decodeWriteSingleRegister(data []byte) (*Request, error) {
	fc := FuncWriteSingleRegister
	if len(data) != 4 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	return &Request{
		Function:  fc,
		Address:   binary.BigEndian.Uint16(data[0:2]),
		Quantity:  1,
		Registers: []uint16{binary.BigEndian.Uint16(data[2:4])},
	}, nil
}

func decodeWriteMultipleCoils(data []byte) (*Request, error) {
	fc := FuncWriteMultipleCoils
	if len(data) < 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])

	if qty < 1 || qty > MaxQuantityWriteCoils {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if byteCount != (int(qty)+7)/8 || len(data) != 5+byteCount {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	return &Request{
		Function: fc,
		Address:  addr,
		Quantity: qty,
		Bits:     unpackBits(data[5:], int(qty)),
	}, nil
}

func decodeWriteMultipleRegisters(data []byte) (*Request, error) {
	fc := FuncWriteMultipleRegisters
	if len(data) < 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])

	if qty < 1 || qty > MaxQuantityWriteRegisters {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if byteCount != int(qty)*2 || len(data) != 5+byteCount {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[5+i*2:])
	}
	return &Request{
		Function:  fc,
		Address:   addr,
		Quantity:  qty,
		Registers: values,
	}, nil
}

func decodeEncapsulated(data []byte) (*Request, error) {
	fc := FuncEncapsulatedInterface
	if len(data) < 1 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if data[0] != MEIReadDeviceID {
		return nil, NewModbusError(fc, ExceptionIllegalFunction)
	}
	if len(data) != 3 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	code := ReadDeviceIDCode(data[1])
	if code < ReadDeviceIDBasic || code > ReadDeviceIDIndividual {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	return &Request{
		Function: fc,
		MEIType:  data[0],
		ReadCode: code,
		ObjectID: data[2],
	}, nil
}

// Encode encodes the request PDU. It is the client-side counterpart of
// DecodeRequest and applies the same quantity limits.
func (r *Request) Encode() ([]byte, error) {
	switch r.Function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		return encodeAddrValue(r.Function, r.Address, r.Quantity), nil

	case FuncWriteSingleCoil:
		if len(r.Bits) != 1 {
			return nil, fmt.Errorf("%w: single coil write needs one value", ErrIllegalDataValue)
		}
		value := CoilOff
		if r.Bits[0] {
			value = CoilOn
		}
		return encodeAddrValue(r.Function, r.Address, value), nil

	case FuncWriteSingleRegister:
		if len(r.Registers) != 1 {
			return nil, fmt.Errorf("%w: single register write needs one value", ErrIllegalDataValue)
		}
		return encodeAddrValue(r.Function, r.Address, r.Registers[0]), nil

	case FuncWriteMultipleCoils:
		qty := len(r.Bits)
		if qty < 1 || qty > MaxQuantityWriteCoils {
			return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrIllegalDataValue, MaxQuantityWriteCoils)
		}
		packed := packBits(r.Bits)
		pdu := make([]byte, 6+len(packed))
		copy(pdu, encodeAddrValue(r.Function, r.Address, uint16(qty)))
		pdu[5] = byte(len(packed))
		copy(pdu[6:], packed)
		return pdu, nil

	case FuncWriteMultipleRegisters:
		qty := len(r.Registers)
		if qty < 1 || qty > MaxQuantityWriteRegisters {
			return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrIllegalDataValue, MaxQuantityWriteRegisters)
		}
		pdu := make([]byte, 6+2*qty)
		copy(pdu, encodeAddrValue(r.Function, r.Address, uint16(qty)))
		pdu[5] = byte(2 * qty)
		for i, v := range r.Registers {
			binary.BigEndian.PutUint16(pdu[6+i*2:], v)
		}
		return pdu, nil

	case FuncReportServerID:
		return []byte{byte(r.Function)}, nil

	case FuncEncapsulatedInterface:
		return []byte{byte(r.Function), MEIReadDeviceID, byte(r.ReadCode), r.ObjectID}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrIllegalFunction, r.Function)
	}
}

// DecodeResponse decodes a response PDU. quantity is the number of bits
// requested by a coil or discrete input read and is ignored otherwise.
func DecodeResponse(pdu []byte, quantity uint16) (*Response, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: empty PDU", ErrInvalidResponse)
	}
	if pdu[0]&0x80 != 0 {
		if len(pdu) != 2 {
			return nil, fmt.Errorf("%w: malformed exception", ErrInvalidResponse)
		}
		return ExceptionResponse(FunctionCode(pdu[0]&0x7F), ExceptionCode(pdu[1])), nil
	}

	fc := FunctionCode(pdu[0])
	resp := &Response{Function: fc}
	data := pdu[1:]

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if len(data) < 1 || len(data) != 1+int(data[0]) {
			return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
		}
		if int(data[0]) != (int(quantity)+7)/8 {
			return nil, fmt.Errorf("%w: byte count %d does not match quantity %d", ErrInvalidResponse, data[0], quantity)
		}
		resp.Quantity = quantity
		resp.Bits = unpackBits(data[1:], int(quantity))

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(data) < 1 || data[0]%2 != 0 || len(data) != 1+int(data[0]) {
			return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
		}
		resp.Registers = make([]uint16, data[0]/2)
		for i := range resp.Registers {
			resp.Registers[i] = binary.BigEndian.Uint16(data[1+i*2:])
		}
		resp.Quantity = uint16(len(resp.Registers))

	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(data) != 4 {
			return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
		}
		resp.Address = binary.BigEndian.Uint16(data[0:2])
		value := binary.BigEndian.Uint16(data[2:4])
		switch fc {
		case FuncWriteSingleCoil:
			resp.Quantity = 1
			resp.Bits = []bool{value == CoilOn}
		case FuncWriteSingleRegister:
			resp.Quantity = 1
			resp.Registers = []uint16{value}
		default:
			resp.Quantity = value
		}

	default:
		resp.Data = append([]byte(nil), data...)
	}
	return resp, nil
}

// packBits packs bools LSB-first, eight per byte.
func packBits(bits []bool) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// unpackBits is the inverse of packBits. data must hold at least (n+7)/8 bytes.
func unpackBits(data []byte, n int) []bool {
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}
