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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-sim"
)

var (
	probeHost    string
	probePort    int
	probeUnit    uint8
	probeTimeout time.Duration
	probeOutput  string

	probeAddr       uint16
	probeCount      uint16
	probeInterval   time.Duration
	probeIterations int
	probeValues     []string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read or write a remote Modbus TCP server",
	Long:  `Read or write the banks of any Modbus TCP server, such as a running simulator.`,
}

var probeReadCmd = &cobra.Command{
	Use:   "read <bank>",
	Short: "Read coils, discrete inputs, holding or input registers",
	Long: `Read a bank of a remote server. With --interval the read is repeated,
highlighting values that changed since the previous poll.

Banks: holding (hr), coils (co), discrete (di), input (ir)`,
	Example: `  modbussim probe read hr -a 0 -c 10 -H 192.168.1.100
  modbussim probe read co -a 0 -c 16 -o hex
  modbussim probe read ir -a 0 -c 4 -i 500ms -n 20`,
	Args: cobra.ExactArgs(1),
	RunE: runProbeRead,
}

var probeWriteCmd = &cobra.Command{
	Use:   "write <bank>",
	Short: "Write coils or holding registers",
	Long: `Write coils or holding registers of a remote server. A single value uses
FC05/FC06, several values FC15/FC16.

Coil values: 1, 0, true, false, on, off
Register values: decimal, hexadecimal (0x prefix) or binary (0b prefix)`,
	Example: `  modbussim probe write hr -a 10 -V 4242
  modbussim probe write hr -a 0 -V 100,200,0x12C
  modbussim probe write coils -a 5 -V on`,
	Args: cobra.ExactArgs(1),
	RunE: runProbeWrite,
}

func init() {
	probeCmd.PersistentFlags().StringVarP(&probeHost, "host", "H", "localhost", "Modbus server host")
	probeCmd.PersistentFlags().IntVarP(&probePort, "port", "p", modbus.DefaultPort, "Modbus server port")
	probeCmd.PersistentFlags().Uint8VarP(&probeUnit, "unit", "u", 1, "Modbus unit ID")
	probeCmd.PersistentFlags().DurationVarP(&probeTimeout, "timeout", "t", 5*time.Second, "Operation timeout")
	probeCmd.PersistentFlags().StringVarP(&probeOutput, "output", "o", "table", "Output format: table, json, csv, hex, raw")

	probeReadCmd.Flags().Uint16VarP(&probeAddr, "address", "a", 0, "Starting address")
	probeReadCmd.Flags().Uint16VarP(&probeCount, "count", "c", 1, "Number of items to read")
	probeReadCmd.Flags().DurationVarP(&probeInterval, "interval", "i", 0, "Poll interval (0 = read once)")
	probeReadCmd.Flags().IntVarP(&probeIterations, "iterations", "n", 0, "Number of polls (0 = until interrupted)")

	probeWriteCmd.Flags().Uint16VarP(&probeAddr, "address", "a", 0, "Starting address")
	probeWriteCmd.Flags().StringSliceVarP(&probeValues, "value", "V", nil, "Value(s) to write")
	probeWriteCmd.MarkFlagRequired("value")

	probeCmd.AddCommand(probeReadCmd)
	probeCmd.AddCommand(probeWriteCmd)
}

func connectProbe() (gomodbus.Client, io.Closer, error) {
	addr := net.JoinHostPort(probeHost, strconv.Itoa(probePort))
	handler := gomodbus.NewTCPClientHandler(addr)
	handler.Timeout = probeTimeout
	handler.SlaveId = probeUnit
	if err := handler.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connection failed: %w", err)
	}
	logger.Debug("connected", slog.String("addr", addr))
	return gomodbus.NewClient(handler), handler, nil
}

// readBank reads count cells of kind and decodes them with the simulator's
// own codec.
func readBank(client gomodbus.Client, kind modbus.Bank, addr, count uint16) (*modbus.Response, error) {
	var (
		fc      modbus.FunctionCode
		results []byte
		err     error
	)
	switch kind {
	case modbus.BankCoil:
		fc = modbus.FuncReadCoils
		results, err = client.ReadCoils(addr, count)
	case modbus.BankDiscrete:
		fc = modbus.FuncReadDiscreteInputs
		results, err = client.ReadDiscreteInputs(addr, count)
	case modbus.BankHolding:
		fc = modbus.FuncReadHoldingRegisters
		results, err = client.ReadHoldingRegisters(addr, count)
	default:
		fc = modbus.FuncReadInputRegisters
		results, err = client.ReadInputRegisters(addr, count)
	}
	if err != nil {
		return nil, describeError(err)
	}

	pdu := append([]byte{byte(fc), byte(len(results))}, results...)
	return modbus.DecodeResponse(pdu, count)
}

// describeError maps a client exception onto the simulator's error values.
func describeError(err error) error {
	var mbErr *gomodbus.ModbusError
	if errors.As(err, &mbErr) {
		return modbus.NewModbusError(modbus.FunctionCode(mbErr.FunctionCode&0x7F), modbus.ExceptionCode(mbErr.ExceptionCode))
	}
	return err
}

func runProbeRead(cmd *cobra.Command, args []string) error {
	kind, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	if !validOutputFormat(probeOutput) {
		return fmt.Errorf("invalid output format: %s", probeOutput)
	}

	client, conn, err := connectProbe()
	if err != nil {
		return err
	}
	defer conn.Close()

	if probeInterval <= 0 {
		resp, err := readBank(client, kind, probeAddr, probeCount)
		if err != nil {
			return err
		}
		return printResponse(kind, resp)
	}
	return watchBank(client, kind)
}

func printResponse(kind modbus.Bank, resp *modbus.Response) error {
	if kind.IsBit() {
		return outputBoolValues(stdout, probeOutput, bankTitle(kind), probeAddr, resp.Bits)
	}
	return outputRegisterValues(stdout, probeOutput, bankTitle(kind), probeAddr, resp.Registers)
}

// watchBank polls until interrupted or the iteration count is reached.
// Read errors are reported and polling continues.
func watchBank(client gomodbus.Client, kind modbus.Bank) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	var prev []uint16
	var successes, failures int
	for i := 1; probeIterations == 0 || i <= probeIterations; i++ {
		if i > 1 {
			select {
			case <-sigChan:
				fmt.Fprintln(stdout)
				outputInfo(stdout, "%d polls, %d errors", successes, failures)
				return nil
			case <-ticker.C:
			}
		}

		resp, err := readBank(client, kind, probeAddr, probeCount)
		if err != nil {
			failures++
			outputError(stdout, "poll #%d: %v", i, err)
			continue
		}
		successes++

		cells := resp.Registers
		if kind.IsBit() {
			cells = make([]uint16, len(resp.Bits))
			for j, on := range resp.Bits {
				if on {
					cells[j] = 1
				}
			}
		}

		if prev == nil || probeOutput != "table" {
			fmt.Fprintf(stdout, "[%s] poll #%d\n", time.Now().Format("15:04:05.000"), i)
			if err := printResponse(kind, resp); err != nil {
				return err
			}
		} else {
			for j, v := range cells {
				if prev[j] != v {
					fmt.Fprintf(stdout, "[%s] %s %d: %d -> %s\n",
						time.Now().Format("15:04:05.000"), kind, int(probeAddr)+j, prev[j],
						color(colorYellow, strconv.Itoa(int(v))))
				}
			}
		}
		prev = cells
	}

	outputInfo(stdout, "%d polls, %d errors", successes, failures)
	return nil
}

func runProbeWrite(cmd *cobra.Command, args []string) error {
	kind, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	if kind != modbus.BankCoil && kind != modbus.BankHolding {
		return fmt.Errorf("%s bank is read-only over Modbus", kind)
	}

	raw := splitValues(probeValues)
	if len(raw) == 0 {
		return fmt.Errorf("no values to write")
	}

	client, conn, err := connectProbe()
	if err != nil {
		return err
	}
	defer conn.Close()

	if kind == modbus.BankCoil {
		values := make([]bool, len(raw))
		for i, s := range raw {
			if values[i], err = parseBool(s); err != nil {
				return err
			}
		}
		if len(values) == 1 {
			value := modbus.CoilOff
			if values[0] {
				value = modbus.CoilOn
			}
			_, err = client.WriteSingleCoil(probeAddr, value)
		} else {
			_, err = client.WriteMultipleCoils(probeAddr, uint16(len(values)), packBools(values))
		}
		if err != nil {
			return describeError(err)
		}
		outputSuccess(stdout, "Wrote %d coil(s) at address %d", len(values), probeAddr)
		return nil
	}

	values := make([]uint16, len(raw))
	for i, s := range raw {
		if values[i], err = parseValue(s); err != nil {
			return err
		}
	}
	if len(values) == 1 {
		_, err = client.WriteSingleRegister(probeAddr, values[0])
	} else {
		data := make([]byte, 2*len(values))
		for i, v := range values {
			binary.BigEndian.PutUint16(data[2*i:], v)
		}
		_, err = client.WriteMultipleRegisters(probeAddr, uint16(len(values)), data)
	}
	if err != nil {
		return describeError(err)
	}
	outputSuccess(stdout, "Wrote %d register(s) at address %d", len(values), probeAddr)
	return nil
}
