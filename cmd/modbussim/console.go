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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	modbus "github.com/edgeo-scada/modbus-sim"
)

var errQuit = errors.New("quit")

var objectNames = map[uint8]string{
	modbus.ObjectVendorName:          "VendorName",
	modbus.ObjectProductCode:         "ProductCode",
	modbus.ObjectMajorMinorRevision:  "MajorMinorRevision",
	modbus.ObjectVendorURL:           "VendorURL",
	modbus.ObjectProductName:         "ProductName",
	modbus.ObjectModelName:           "ModelName",
	modbus.ObjectUserApplicationName: "UserApplicationName",
}

// Console is an interactive observer of a running simulator. It reads and
// writes the same store the server answers from.
type Console struct {
	server *modbus.Server
	store  *modbus.Store
	host   string // interface used by start
	port   int
	out    io.Writer
	format string
}

func newConsole(server *modbus.Server, host string, port int, out io.Writer) *Console {
	return &Console{
		server: server,
		store:  server.Store(),
		host:   host,
		port:   port,
		out:    out,
		format: "table",
	}
}

// Run reads commands from in until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(c.out, color(colorBold, "Modbus Simulator Console"))
	fmt.Fprintln(c.out, "Type 'help' for available commands, 'quit' to exit")
	fmt.Fprintln(c.out)

	scanner := bufio.NewScanner(in)
	for ctx.Err() == nil {
		fmt.Fprint(c.out, c.prompt())

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := c.execute(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			outputError(c.out, "%v", err)
		}
	}

	fmt.Fprintln(c.out, "\nGoodbye!")
	return scanner.Err()
}

func (c *Console) prompt() string {
	status := color(colorRed, "stopped")
	if addr := c.server.Addr(); addr != nil {
		status = color(colorGreen, addr.String())
	}
	return fmt.Sprintf("modbussim[%s]> ", status)
}

func (c *Console) execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		c.showHelp()
		return nil
	case "get", "g":
		return c.get(args)
	case "set":
		return c.set(args)
	case "toggle", "t":
		return c.toggle(args)
	case "dump", "d":
		return c.dump(args)
	case "watch", "w":
		return c.watch(ctx, args)
	case "start":
		return c.start(args)
	case "stop":
		return c.stop()
	case "status", "s":
		c.showStatus()
		return nil
	case "stats":
		if len(args) > 0 && args[0] == "reset" {
			c.server.Metrics().Reset()
			outputSuccess(c.out, "Statistics reset")
			return nil
		}
		c.showStats()
		return nil
	case "ident", "id":
		c.showIdentity()
		return nil
	case "output", "out", "o":
		if len(args) < 1 {
			fmt.Fprintf(c.out, "Current output format: %s\n", c.format)
			return nil
		}
		if !validOutputFormat(args[0]) {
			return fmt.Errorf("invalid format: %s", args[0])
		}
		c.format = args[0]
		fmt.Fprintf(c.out, "Output format set to %s\n", c.format)
		return nil
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (c *Console) get(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: get <bank> <addr> [count]")
	}
	kind, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}
	count := uint16(1)
	if len(args) > 2 {
		if count, err = parseAddress(args[2]); err != nil {
			return err
		}
	}

	cells, err := c.store.Read(kind, addr, count)
	if err != nil {
		return err
	}
	return outputCells(c.out, c.format, bankTitle(kind), kind.IsBit(), addr, cells)
}

func (c *Console) set(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: set <bank> <addr> <v1,v2,...>")
	}
	kind, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}

	raw := splitValues(args[2:])
	values := make([]uint16, len(raw))
	for i, s := range raw {
		if kind.IsBit() {
			on, err := parseBool(s)
			if err != nil {
				return err
			}
			if on {
				values[i] = 1
			}
			continue
		}
		if values[i], err = parseValue(s); err != nil {
			return err
		}
	}

	if err := c.store.Write(kind, addr, values); err != nil {
		return err
	}
	outputSuccess(c.out, "Wrote %d %s value(s) at address %d", len(values), kind, addr)
	return nil
}

func (c *Console) toggle(args []string) error {
	kind := modbus.BankCoil
	switch len(args) {
	case 1:
	case 2:
		var err error
		if kind, err = modbus.ParseBank(args[0]); err != nil {
			return err
		}
		args = args[1:]
	default:
		return fmt.Errorf("usage: toggle [coils|discrete] <addr>")
	}

	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	on, err := c.store.Toggle(kind, addr)
	if err != nil {
		return err
	}
	state := color(colorRed, "OFF")
	if on {
		state = color(colorGreen, "ON")
	}
	outputSuccess(c.out, "%s %d is now %s", kind, addr, state)
	return nil
}

// dump prints a range of a bank as a grid, ten cells per row.
func (c *Console) dump(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dump <bank> [start] [count]")
	}
	kind, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}

	cells := c.store.Snapshot(kind)
	start, end := 0, len(cells)
	if len(args) > 1 {
		s, err := parseAddress(args[1])
		if err != nil {
			return err
		}
		start = int(s)
	}
	if len(args) > 2 {
		n, err := parseAddress(args[2])
		if err != nil {
			return err
		}
		end = start + int(n)
	}
	if start >= len(cells) || end > len(cells) || start >= end {
		return fmt.Errorf("%w: %s range [%d,%d) outside [0,%d)", modbus.ErrIllegalDataAddress, kind, start, end, len(cells))
	}

	fmt.Fprintf(c.out, "\n%s (Address %d-%d)\n", color(colorBold, bankTitle(kind)), start, end-1)
	tw := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', tabwriter.AlignRight)
	for row := start - start%10; row < end; row += 10 {
		fmt.Fprintf(tw, "%d:\t", row)
		for i := row; i < row+10 && i < end; i++ {
			if i < start {
				fmt.Fprint(tw, "\t")
				continue
			}
			fmt.Fprintf(tw, "%d\t", cells[i])
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	fmt.Fprintln(c.out)
	return nil
}

// watch polls a range of the store and highlights cells that changed
// since the previous poll.
func (c *Console) watch(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: watch <bank> <addr> [count] [interval] [iterations]")
	}
	kind, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}
	count := uint16(1)
	if len(args) > 2 {
		if count, err = parseAddress(args[2]); err != nil {
			return err
		}
	}
	interval := time.Second
	if len(args) > 3 {
		if interval, err = time.ParseDuration(args[3]); err != nil || interval <= 0 {
			return fmt.Errorf("invalid interval: %s", args[3])
		}
	}
	iterations := 10
	if len(args) > 4 {
		if iterations, err = strconv.Atoi(args[4]); err != nil || iterations < 1 {
			return fmt.Errorf("invalid iterations: %s", args[4])
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev []uint16
	for i := 1; i <= iterations; i++ {
		if i > 1 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		cells, err := c.store.Read(kind, addr, count)
		if err != nil {
			return err
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "[%s] #%d", time.Now().Format("15:04:05.000"), i)
		for j, v := range cells {
			cell := fmt.Sprintf("%d=%d", int(addr)+j, v)
			if prev != nil && prev[j] != v {
				cell = color(colorYellow, cell+"*")
			}
			sb.WriteString(" " + cell)
		}
		fmt.Fprintln(c.out, sb.String())
		prev = cells
	}
	return nil
}

func (c *Console) start(args []string) error {
	port := c.port
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("invalid port: %s", args[0])
		}
		port = p
	}

	if err := c.server.Start(net.JoinHostPort(c.host, strconv.Itoa(port))); err != nil {
		return err
	}
	c.port = port
	outputSuccess(c.out, "Server listening on %s", c.server.Addr())
	return nil
}

func (c *Console) stop() error {
	if !c.server.Running() {
		outputWarning(c.out, "Server is not running")
		return nil
	}
	if err := c.server.Stop(); err != nil {
		return err
	}
	outputSuccess(c.out, "Server stopped")
	return nil
}

func (c *Console) showStatus() {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, color(colorBold, "Server Status"))
	fmt.Fprintln(c.out, strings.Repeat("-", 30))
	if addr := c.server.Addr(); addr != nil {
		fmt.Fprintf(c.out, "Status:        %s\n", color(colorGreen, "Running"))
		fmt.Fprintf(c.out, "Address:       %s\n", addr)
		fmt.Fprintf(c.out, "Connections:   %d\n", c.server.ActiveConnections())
	} else {
		fmt.Fprintf(c.out, "Status:        %s\n", color(colorRed, "Stopped"))
	}
	for _, kind := range modbus.Banks {
		fmt.Fprintf(c.out, "%-15s%d\n", bankTitle(kind)+":", c.store.Size(kind))
	}
	fmt.Fprintln(c.out)
}

func (c *Console) showStats() {
	m := c.server.Metrics()
	lat := m.Latency.Stats()

	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, color(colorBold, "Statistics"))
	fmt.Fprintln(c.out, strings.Repeat("-", 30))

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	collected := m.Collect()
	keys := make([]string, 0, len(collected))
	for k, v := range collected {
		if _, ok := v.(int64); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\n", k, collected[k])
	}
	fmt.Fprintf(tw, "latency_avg_ms\t%.3f\n", lat.Avg)
	fmt.Fprintf(tw, "latency_max_ms\t%.3f\n", lat.Max)
	tw.Flush()

	if funcs, ok := collected["functions"].(map[string]interface{}); ok {
		names := make([]string, 0, len(funcs))
		for name := range funcs {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(c.out)
		tw = tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FUNCTION\tREQUESTS\tEXCEPTIONS")
		for _, name := range names {
			fm := funcs[name].(map[string]interface{})
			fmt.Fprintf(tw, "%s\t%d\t%d\n", name, fm["requests"], fm["exceptions"])
		}
		tw.Flush()
	}
	fmt.Fprintln(c.out)
}

func (c *Console) showIdentity() {
	objs := c.server.Identity().Objects()
	ids := make([]int, 0, len(objs))
	for id := range objs {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, color(colorBold, "Device Identification"))
	fmt.Fprintln(c.out, strings.Repeat("-", 30))
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	for _, id := range ids {
		name, ok := objectNames[uint8(id)]
		if !ok {
			name = "Private"
		}
		fmt.Fprintf(tw, "0x%02X\t%s\t%s\n", id, name, objs[uint8(id)])
	}
	tw.Flush()
	fmt.Fprintln(c.out)
}

func (c *Console) showHelp() {
	fmt.Fprintln(c.out, `
Commands:
  get <bank> <addr> [count]               - Read cells from the store
  set <bank> <addr> <v1,v2,...>           - Write cells (any bank)
  toggle [coils|discrete] <addr>          - Flip a coil or discrete input
  dump <bank> [start] [count]             - Show a bank as a grid
  watch <bank> <addr> [count] [int] [n]   - Poll cells and highlight changes

  start [port]                            - Start the server
  stop                                    - Stop the server
  status                                  - Show server status
  stats [reset]                           - Show or reset request statistics
  ident                                   - Show device identification
  output <format>                         - Set output format (table/json/csv/hex/raw)

  help                                    - Show help
  quit                                    - Exit

Banks: holding (hr), coils (co), discrete (di), input (ir)`)
}

func bankTitle(kind modbus.Bank) string {
	switch kind {
	case modbus.BankHolding:
		return "Holding Registers"
	case modbus.BankCoil:
		return "Coils"
	case modbus.BankDiscrete:
		return "Discrete Inputs"
	default:
		return "Input Registers"
	}
}

func parseAddress(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address or count: %s", s)
	}
	return uint16(v), nil
}
