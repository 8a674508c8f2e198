// Package console implements the line-oriented operator control channel:
// captures are listed, inspected, exported, and cleared from the controlling
// terminal while the proxy runs.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jojq/jojq/jojq-srv/capture"
	"github.com/jojq/jojq/jojq-srv/stats"
)

// Console reads operator commands and answers against the capture buffer.
type Console struct {
	buffer    *capture.Buffer
	collector stats.Collector
	caPath    string
	exportDir string
	in        io.Reader
	out       io.Writer
}

// New creates a console bound to stdin/stdout. caPath may be empty when
// MITM mode is disabled.
func New(buffer *capture.Buffer, collector stats.Collector, caPath, exportDir string) *Console {
	return &Console{
		buffer:    buffer,
		collector: collector,
		caPath:    caPath,
		exportDir: exportDir,
		in:        os.Stdin,
		out:       os.Stdout,
	}
}

// SetIO redirects the console streams, mainly for tests.
func (c *Console) SetIO(in io.Reader, out io.Writer) {
	c.in = in
	c.out = out
}

// Run processes commands until the operator exits or input ends. The return
// value reports whether the operator explicitly requested shutdown.
func (c *Console) Run() bool {
	fmt.Fprintln(c.out, "jojq capture console ready; type 'help' for commands")

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.dispatch(line) {
			return true
		}
	}
	return false
}

// dispatch executes one command line; the return value requests shutdown.
func (c *Console) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		c.printHelp()
	case "list", "ls":
		c.printList()
	case "clear":
		c.buffer.Clear()
		fmt.Fprintln(c.out, "capture buffer cleared")
	case "save":
		c.save(fields[1:])
	case "ca":
		if c.caPath == "" {
			fmt.Fprintln(c.out, "MITM mode is disabled; no CA certificate")
		} else {
			fmt.Fprintln(c.out, c.caPath)
		}
	case "stats":
		c.printStats()
	default:
		if pos, err := strconv.Atoi(cmd); err == nil {
			c.printRecord(pos)
		} else {
			fmt.Fprintf(c.out, "unknown command %q; type 'help'\n", cmd)
		}
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `commands:
  <n>        inspect capture n (as listed)
  list, ls   list captures
  save <n>   write capture n to a JSON file
  save all   write all captures to a JSON file
  clear      empty the capture buffer
  ca         print the CA certificate path
  stats      print collector counters
  help       this text
  exit, quit shut down
`)
}

func (c *Console) printList() {
	records := c.buffer.List()
	if len(records) == 0 {
		fmt.Fprintln(c.out, "no captures yet")
		return
	}
	for i, rec := range records {
		fmt.Fprintf(c.out, "[%d] %s %s -> %d (%s)\n",
			i+1, rec.Request.Method, rec.Request.URL,
			rec.Response.StatusCode, rec.Timestamp.Format("15:04:05"))
	}
}

func (c *Console) printRecord(pos int) {
	rec, ok := c.buffer.Get(pos)
	if !ok {
		fmt.Fprintf(c.out, "no capture %d; 'list' shows what is available\n", pos)
		return
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		fmt.Fprintf(c.out, "could not render capture %d: %v\n", pos, err)
		return
	}
	fmt.Fprintln(c.out, string(data))
}

func (c *Console) save(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "usage: save <n> | save all")
		return
	}

	if strings.EqualFold(args[0], "all") {
		records := c.buffer.List()
		if len(records) == 0 {
			fmt.Fprintln(c.out, "nothing to save")
			return
		}
		path, err := capture.ExportAll(records, c.exportDir)
		if err != nil {
			fmt.Fprintf(c.out, "save failed: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "saved %d captures to %s\n", len(records), path)
		return
	}

	pos, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintln(c.out, "usage: save <n> | save all")
		return
	}
	rec, ok := c.buffer.Get(pos)
	if !ok {
		fmt.Fprintf(c.out, "no capture %d\n", pos)
		return
	}
	path, err := capture.ExportRecord(rec, c.exportDir)
	if err != nil {
		fmt.Fprintf(c.out, "save failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "saved capture %d to %s\n", pos, path)
}

func (c *Console) printStats() {
	summary, err := c.collector.Summary(context.Background())
	if err != nil {
		fmt.Fprintf(c.out, "statistics unavailable: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "connections=%d requests=%d captures=%d errors=%d\n",
		summary.TotalConnections, summary.TotalRequests, summary.TotalCaptures, summary.TotalErrors)
}
