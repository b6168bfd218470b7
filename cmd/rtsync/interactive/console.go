// Package interactive provides the interactive command-line interface
// for rtsync.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/rtsync/rtsync-go/pkg/client"
	"github.com/rtsync/rtsync-go/pkg/subscription"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// requestTimeout bounds a raw request issued from the console.
const requestTimeout = 10 * time.Second

// Console handles interactive mode for rtsync.
type Console struct {
	rl  *readline.Instance
	out io.Writer
	c   *client.Client

	// Entities subscribed from this console, for status output.
	streams map[string]*subscription.Stream
}

// NewConsole creates the readline console.
func NewConsole() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rtsync> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{
		rl:      rl,
		out:     rl.Stdout(),
		streams: make(map[string]*subscription.Stream),
	}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (co *Console) Stdout() io.Writer {
	return co.rl.Stdout()
}

// Run starts the interactive command loop.
func (co *Console) Run(ctx context.Context, cancel context.CancelFunc, c *client.Client) {
	defer co.rl.Close()
	co.c = c

	co.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := co.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(co.out, "Exiting...")
			cancel()
			return
		}

		if !co.Exec(ctx, line) {
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the console should
// exit.
func (co *Console) Exec(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		co.printHelp()

	case "subscribe", "sub":
		co.cmdSubscribe(args)

	case "unsubscribe", "unsub":
		co.cmdUnsubscribe(args)

	case "state", "st":
		co.cmdState(args)

	case "request", "req":
		co.cmdRequest(ctx, args)

	case "status":
		co.cmdStatus()

	case "connect":
		if err := co.c.Connect(ctx); err != nil {
			fmt.Fprintf(co.out, "Connect failed: %v\n", err)
		}

	case "disconnect":
		co.c.Session().Disconnect()

	case "network":
		co.cmdNetwork(args)

	case "quit", "exit", "q":
		fmt.Fprintln(co.out, "Exiting...")
		return false

	default:
		fmt.Fprintf(co.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (co *Console) printHelp() {
	fmt.Fprintln(co.out, `
rtsync Commands:
  Subscriptions:
    subscribe <entity-id> [type] [last-event-id] - Subscribe to an entity
    unsubscribe <entity-id>                      - Unsubscribe from an entity
    state <entity-id>                            - Show subscription state

  Session:
    request <method> <path> [json-body]          - Send a raw request
    connect                                      - Connect the session
    disconnect                                   - Disconnect the session
    network <up|down>                            - Report network reachability
    status                                       - Show session status

  General:
    help                                         - Show this help
    quit                                         - Exit`)
}

func (co *Console) cmdSubscribe(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(co.out, "Usage: subscribe <entity-id> [type] [last-event-id]")
		return
	}
	entityType := "channel"
	if len(args) > 1 {
		entityType = args[1]
	}
	var last *int64
	if len(args) > 2 {
		v, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fmt.Fprintf(co.out, "Invalid last-event-id: %s\n", args[2])
			return
		}
		last = &v
	}

	s := co.c.Subscriptions().Subscribe(args[0], entityType, last)
	if _, seen := co.streams[args[0]]; !seen {
		co.streams[args[0]] = s
		co.follow(s)
	}
	fmt.Fprintf(co.out, "Subscribing to %s (%s)\n", args[0], entityType)
}

// follow prints every state change of s until the coordinator closes.
func (co *Console) follow(s *subscription.Stream) {
	ch, _ := s.Listen()
	go func() {
		for st := range ch {
			fmt.Fprintf(co.out, "[SUBSCRIPTION] %s %s\n", s.EntityID(), st)
		}
	}()
}

func (co *Console) cmdUnsubscribe(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(co.out, "Usage: unsubscribe <entity-id>")
		return
	}
	co.c.Subscriptions().Unsubscribe(args[0])
	fmt.Fprintf(co.out, "Unsubscribing from %s\n", args[0])
}

func (co *Console) cmdState(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(co.out, "Usage: state <entity-id>")
		return
	}
	fmt.Fprintf(co.out, "%s: %s\n", args[0], co.c.Subscriptions().State(args[0]))
}

func (co *Console) cmdRequest(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(co.out, "Usage: request <method> <path> [json-body]")
		return
	}
	req := &wire.Request{
		Header: wire.Header{Method: wire.MethodMessage},
		HTTPRequest: &wire.HTTPRequest{
			Method: strings.ToUpper(args[0]),
			Path:   args[1],
		},
	}
	if len(args) > 2 {
		body := strings.Join(args[2:], " ")
		if !json.Valid([]byte(body)) {
			fmt.Fprintln(co.out, "Body is not valid JSON")
			return
		}
		req.Payload = []byte(body)
	}

	start := time.Now()
	reply, err := co.c.Session().SendRequest(ctx, req, requestTimeout)
	if err != nil {
		fmt.Fprintf(co.out, "Request failed: %v\n", err)
		return
	}
	fmt.Fprintf(co.out, "Reply %s in %s\n", reply.Status, time.Since(start).Round(time.Millisecond))
	if reply.HTTPStatus != nil {
		fmt.Fprintf(co.out, "  HTTP: %d %s\n", reply.HTTPStatus.Code, reply.HTTPStatus.Status)
	}
	if len(reply.Payload) > 0 {
		fmt.Fprintf(co.out, "  Body: %s\n", reply.Payload)
	}
}

func (co *Console) cmdNetwork(args []string) {
	if len(args) != 1 || (args[0] != "up" && args[0] != "down") {
		fmt.Fprintln(co.out, "Usage: network <up|down>")
		return
	}
	co.c.Session().NetworkChanged(args[0] == "up")
}

func (co *Console) cmdStatus() {
	s := co.c.Session()
	fmt.Fprintln(co.out, "\nSession Status:")
	fmt.Fprintln(co.out, "-------------------------------------------")
	fmt.Fprintf(co.out, "  Connection ID: %s\n", s.ID())
	fmt.Fprintf(co.out, "  State:         %s\n", s.State())
	if len(co.streams) == 0 {
		return
	}
	fmt.Fprintf(co.out, "\nSubscriptions (%d):\n", len(co.streams))
	for _, id := range slices.Sorted(maps.Keys(co.streams)) {
		fmt.Fprintf(co.out, "  %-20s %s\n", id, co.c.Subscriptions().State(id))
	}
}
