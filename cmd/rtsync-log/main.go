// Command rtsync-log reads the protocol capture files an rtsync client
// writes when its configuration names a protocol_log.
//
// Usage:
//
//	rtsync-log <command> [flags] <capture.cbor>...
//
// Several files are read in the order given. With -rolled each file is
// preceded by its rolled over parts (capture.cbor.2, capture.cbor.1).
//
// Examples:
//
//	# Everything the session did, with payloads
//	rtsync-log view -v protocol.cbor
//
//	# A request and its reply
//	rtsync-log view -id RQ42 protocol.cbor
//
//	# One subscription entity across all rolled over files
//	rtsync-log view -rolled -entity CH1 protocol.cbor
//
//	# Reply latency and reconnects
//	rtsync-log stats -rolled protocol.cbor
//
//	# Keep only the transport frames of one hour
//	rtsync-log filter -layer transport -since 2026-03-01T09:00:00Z \
//	    -until 2026-03-01T10:00:00Z -o frames.cbor protocol.cbor
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/rtsync/rtsync-go/cmd/rtsync-log/commands"
)

type command struct {
	name     string
	synopsis string
	run      func(args []string, stdout io.Writer) error
}

var commandTable = []command{
	{"view", "print events one per line", runView},
	{"stats", "summarize traffic, latency and reconnects", runStats},
	{"export", "convert events to JSON lines or CSV", runExport},
	{"filter", "copy matching events into a new capture", runFilter},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: rtsync-log <command> [flags] <capture.cbor>...")
	fmt.Fprintln(w)
	for _, c := range commandTable {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.synopsis)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, `Run "rtsync-log <command> -h" for the flags of a command.`)
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "-help" || name == "--help" {
		usage(os.Stdout)
		return
	}
	i := slices.IndexFunc(commandTable, func(c command) bool { return c.name == name })
	if i < 0 {
		fmt.Fprintf(os.Stderr, "rtsync-log: unknown command %q\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err := commandTable[i].run(os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "rtsync-log %s: %v\n", name, err)
		os.Exit(1)
	}
}

// inputs holds the flags shared by every command.
type inputs struct {
	fs     *flag.FlagSet
	rolled bool
	sel    commands.Selection
}

func newInputs(name string, selection bool) *inputs {
	in := &inputs{fs: flag.NewFlagSet("rtsync-log "+name, flag.ExitOnError)}
	in.fs.BoolVar(&in.rolled, "rolled", false, "also read rolled over parts of each file, oldest first")
	if !selection {
		return in
	}
	s := &in.sel
	in.fs.StringVar(&s.Conn, "conn", "", "session `id`")
	in.fs.StringVar(&s.Direction, "direction", "", "in or out")
	in.fs.StringVar(&s.Layer, "layer", "", "transport, wire, session or subscription")
	in.fs.StringVar(&s.Category, "category", "", "message, control, state or error")
	in.fs.StringVar(&s.Method, "method", "", "frame `method` (init, message, reply, notification, ...)")
	in.fs.StringVar(&s.ID, "id", "", "frame correlation `id`")
	in.fs.StringVar(&s.Entity, "entity", "", "subscription entity `id`")
	in.fs.StringVar(&s.Since, "since", "", "first `time` shown (RFC 3339)")
	in.fs.StringVar(&s.Until, "until", "", "`time` the output stops before (RFC 3339)")
	return in
}

// parse parses args and returns the capture files.
func (in *inputs) parse(args []string) (commands.Source, error) {
	if err := in.fs.Parse(args); err != nil {
		return nil, err
	}
	if in.fs.NArg() == 0 {
		in.fs.Usage()
		return nil, fmt.Errorf("no capture file given")
	}
	if in.rolled {
		return commands.WithRolled(in.fs.Args()), nil
	}
	return commands.Source(in.fs.Args()), nil
}

func runView(args []string, stdout io.Writer) error {
	in := newInputs("view", true)
	var opts commands.ViewOptions
	in.fs.BoolVar(&opts.Verbose, "v", false, "show payloads and frame bytes")
	in.fs.IntVar(&opts.Limit, "n", 0, "stop after `count` events")
	src, err := in.parse(args)
	if err != nil {
		return err
	}
	f, err := in.sel.Filter()
	if err != nil {
		return err
	}
	return commands.RunView(src, f, opts, stdout)
}

func runStats(args []string, stdout io.Writer) error {
	in := newInputs("stats", false)
	src, err := in.parse(args)
	if err != nil {
		return err
	}
	return commands.RunStats(src, stdout)
}

func runExport(args []string, stdout io.Writer) error {
	in := newInputs("export", true)
	format := in.fs.String("format", commands.FormatJSONL, "jsonl or csv")
	output := in.fs.String("o", "", "output `file` (default stdout)")
	src, err := in.parse(args)
	if err != nil {
		return err
	}
	f, err := in.sel.Filter()
	if err != nil {
		return err
	}
	if *output == "" {
		return commands.RunExport(src, f, *format, stdout)
	}
	out, err := os.Create(*output)
	if err != nil {
		return err
	}
	if err := commands.RunExport(src, f, *format, out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func runFilter(args []string, stdout io.Writer) error {
	in := newInputs("filter", true)
	output := in.fs.String("o", "", "output capture `file` (required)")
	src, err := in.parse(args)
	if err != nil {
		return err
	}
	if *output == "" {
		return fmt.Errorf("-o is required")
	}
	f, err := in.sel.Filter()
	if err != nil {
		return err
	}
	n, err := commands.RunFilter(src, f, *output)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d events written to %s\n", n, *output)
	return nil
}
