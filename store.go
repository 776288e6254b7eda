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
	"fmt"
	"sync"
)

// Store holds the four register banks of the simulated device.
// It is safe for concurrent use: the network server and any number of
// observers may read and write it at the same time. Every call on a bank
// is atomic with respect to every other call on that bank.
type Store struct {
	banks [numBanks]*bank
}

type bank struct {
	mu   sync.RWMutex
	kind Bank
	bits []bool   // coils, discrete inputs
	regs []uint16 // holding registers, input registers
}

func (b *bank) size() int {
	if b.kind.IsBit() {
		return len(b.bits)
	}
	return len(b.regs)
}

// check validates [addr, addr+count) against the bank bounds and the
// per-call maximum. Must be called with the bank lock held.
func (b *bank) check(addr uint16, count, max int) error {
	if count == 0 {
		return fmt.Errorf("%w: %s quantity is zero", ErrIllegalDataAddress, b.kind)
	}
	if count > max {
		return fmt.Errorf("%w: %s quantity %d exceeds %d", ErrIllegalDataAddress, b.kind, count, max)
	}
	if int(addr)+count > b.size() {
		return fmt.Errorf("%w: %s [%d,%d) outside [0,%d)",
			ErrIllegalDataAddress, b.kind, addr, int(addr)+count, b.size())
	}
	return nil
}

// NewStore creates a store with zero-initialized banks.
func NewStore(opts ...StoreOption) *Store {
	options := defaultStoreOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &Store{}
	for _, kind := range Banks {
		b := &bank{kind: kind}
		if kind.IsBit() {
			b.bits = make([]bool, options.sizes[kind])
		} else {
			b.regs = make([]uint16, options.sizes[kind])
		}
		s.banks[kind] = b
	}
	return s
}

func (s *Store) bank(kind Bank) (*bank, error) {
	if int(kind) >= numBanks {
		return nil, fmt.Errorf("%w: unknown %s", ErrIllegalFunction, kind)
	}
	return s.banks[kind], nil
}

func (s *Store) bitBank(kind Bank) (*bank, error) {
	b, err := s.bank(kind)
	if err != nil {
		return nil, err
	}
	if !kind.IsBit() {
		return nil, fmt.Errorf("%w: %s bank holds registers", ErrIllegalFunction, kind)
	}
	return b, nil
}

func (s *Store) registerBank(kind Bank) (*bank, error) {
	b, err := s.bank(kind)
	if err != nil {
		return nil, err
	}
	if kind.IsBit() {
		return nil, fmt.Errorf("%w: %s bank holds bits", ErrIllegalFunction, kind)
	}
	return b, nil
}

// Size returns the number of cells in the bank, or 0 for an unknown bank.
func (s *Store) Size(kind Bank) int {
	b, err := s.bank(kind)
	if err != nil {
		return 0
	}
	return b.size()
}

// ReadBits reads count cells of a coil or discrete input bank.
func (s *Store) ReadBits(kind Bank, addr, count uint16) ([]bool, error) {
	b, err := s.bitBank(kind)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.check(addr, int(count), kind.maxRead()); err != nil {
		return nil, err
	}
	result := make([]bool, count)
	copy(result, b.bits[addr:])
	return result, nil
}

// ReadRegisters reads count cells of a holding or input register bank.
func (s *Store) ReadRegisters(kind Bank, addr, count uint16) ([]uint16, error) {
	b, err := s.registerBank(kind)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.check(addr, int(count), kind.maxRead()); err != nil {
		return nil, err
	}
	result := make([]uint16, count)
	copy(result, b.regs[addr:])
	return result, nil
}

// WriteBits writes values into a coil or discrete input bank starting at addr.
func (s *Store) WriteBits(kind Bank, addr uint16, values []bool) error {
	b, err := s.bitBank(kind)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(addr, len(values), kind.maxWrite()); err != nil {
		return err
	}
	copy(b.bits[addr:], values)
	return nil
}

// WriteRegisters writes values into a holding or input register bank starting at addr.
func (s *Store) WriteRegisters(kind Bank, addr uint16, values []uint16) error {
	b, err := s.registerBank(kind)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(addr, len(values), kind.maxWrite()); err != nil {
		return err
	}
	copy(b.regs[addr:], values)
	return nil
}

// Read reads count cells of any bank. Bits are reported as 0 or 1.
func (s *Store) Read(kind Bank, addr, count uint16) ([]uint16, error) {
	if !kind.IsBit() {
		return s.ReadRegisters(kind, addr, count)
	}
	bits, err := s.ReadBits(kind, addr, count)
	if err != nil {
		return nil, err
	}
	return bitsToCells(bits), nil
}

// Write writes values into any bank. For bit banks a non-zero value sets the bit.
func (s *Store) Write(kind Bank, addr uint16, values []uint16) error {
	if !kind.IsBit() {
		return s.WriteRegisters(kind, addr, values)
	}
	bits := make([]bool, len(values))
	for i, v := range values {
		bits[i] = v != 0
	}
	return s.WriteBits(kind, addr, bits)
}

// Toggle flips one bit of a coil or discrete input bank and returns the new value.
func (s *Store) Toggle(kind Bank, addr uint16) (bool, error) {
	b, err := s.bitBank(kind)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(addr, 1, 1); err != nil {
		return false, err
	}
	b.bits[addr] = !b.bits[addr]
	return b.bits[addr], nil
}

// Snapshot returns a copy of every cell of the bank taken under one lock
// acquisition. Bits are reported as 0 or 1.
func (s *Store) Snapshot(kind Bank) []uint16 {
	b, err := s.bank(kind)
	if err != nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if kind.IsBit() {
		return bitsToCells(b.bits)
	}
	result := make([]uint16, len(b.regs))
	copy(result, b.regs)
	return result
}

func bitsToCells(bits []bool) []uint16 {
	cells := make([]uint16, len(bits))
	for i, v := range bits {
		if v {
			cells[i] = 1
		}
	}
	return cells
}
