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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var outputFormats = []string{"table", "json", "csv", "hex", "raw"}

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func validOutputFormat(format string) bool {
	for _, f := range outputFormats {
		if f == format {
			return true
		}
	}
	return false
}

func outputSuccess(w io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(w, color(colorGreen, "OK")+" "+msg)
}

func outputError(w io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(w, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(w io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(w, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(w io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(w, color(colorCyan, "INFO")+" "+msg)
}

type BoolResult struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

type RegisterResult struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
	Hex     string `json:"hex"`
}

func outputBoolValues(w io.Writer, format, title string, startAddr uint16, values []bool) error {
	switch format {
	case "json":
		results := make([]BoolResult, len(values))
		for i, v := range values {
			results[i] = BoolResult{Address: startAddr + uint16(i), Value: v}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)

	case "csv":
		cw := csv.NewWriter(w)
		cw.Write([]string{"address", "value"})
		for i, v := range values {
			cw.Write([]string{strconv.Itoa(int(startAddr) + i), boolDigit(v)})
		}
		cw.Flush()
		return cw.Error()

	case "raw":
		var sb strings.Builder
		for _, v := range values {
			sb.WriteString(boolDigit(v))
		}
		fmt.Fprintln(w, sb.String())
		return nil

	case "hex":
		packed := packBools(values)
		parts := make([]string, len(packed))
		for i, b := range packed {
			parts[i] = fmt.Sprintf("%02X", b)
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
		return nil

	default:
		fmt.Fprintf(w, "\n%s (Address %d-%d, Count: %d)\n",
			color(colorBold, title),
			startAddr,
			int(startAddr)+len(values)-1,
			len(values))
		fmt.Fprintln(w, strings.Repeat("-", 40))

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tVALUE\tSTATUS")
		fmt.Fprintln(tw, "-------\t-----\t------")
		for i, v := range values {
			status := color(colorRed, "OFF")
			if v {
				status = color(colorGreen, "ON")
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\n", int(startAddr)+i, boolDigit(v), status)
		}
		tw.Flush()
		fmt.Fprintln(w)
		return nil
	}
}

func outputRegisterValues(w io.Writer, format, title string, startAddr uint16, values []uint16) error {
	switch format {
	case "json":
		results := make([]RegisterResult, len(values))
		for i, v := range values {
			results[i] = RegisterResult{
				Address: startAddr + uint16(i),
				Value:   v,
				Hex:     fmt.Sprintf("0x%04X", v),
			}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)

	case "csv":
		cw := csv.NewWriter(w)
		cw.Write([]string{"address", "value", "hex"})
		for i, v := range values {
			cw.Write([]string{strconv.Itoa(int(startAddr) + i), strconv.Itoa(int(v)), fmt.Sprintf("0x%04X", v)})
		}
		cw.Flush()
		return cw.Error()

	case "raw":
		for _, v := range values {
			fmt.Fprintf(w, "%d\n", v)
		}
		return nil

	case "hex":
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%04X", v)
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
		return nil

	default:
		fmt.Fprintf(w, "\n%s (Address %d-%d, Count: %d)\n",
			color(colorBold, title),
			startAddr,
			int(startAddr)+len(values)-1,
			len(values))
		fmt.Fprintln(w, strings.Repeat("-", 60))

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tDECIMAL\tHEX\tBINARY")
		fmt.Fprintln(tw, "-------\t-------\t---\t------")
		for i, v := range values {
			fmt.Fprintf(tw, "%d\t%d\t0x%04X\t%016b\n", int(startAddr)+i, v, v, v)
		}
		tw.Flush()
		fmt.Fprintln(w)
		return nil
	}
}

// outputCells prints store cells, as booleans for bit banks.
func outputCells(w io.Writer, format, title string, bit bool, startAddr uint16, cells []uint16) error {
	if !bit {
		return outputRegisterValues(w, format, title, startAddr, cells)
	}
	bits := make([]bool, len(cells))
	for i, v := range cells {
		bits[i] = v != 0
	}
	return outputBoolValues(w, format, title, startAddr, bits)
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func packBools(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// parseValue parses a register value: decimal, hex (0x) or binary (0b).
func parseValue(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: must be 0-65535", s)
	}
	return uint16(v), nil
}

// parseBool parses a coil value.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid coil value %q: use 1/0, true/false, on/off", s)
	}
}

// splitValues splits comma- or space-separated values.
func splitValues(args []string) []string {
	var out []string
	for _, arg := range args {
		for _, f := range strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, f)
		}
	}
	return out
}

// stdout is where command output goes; tests replace it.
var stdout io.Writer = os.Stdout
