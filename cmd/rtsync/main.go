// Command rtsync connects to a gateway and prints the domain events of the
// subscribed entities.
//
// Usage:
//
//	rtsync -config rtsync.yaml [flags]
//
// Flags:
//
//	-config string      Configuration file path (required)
//	-token string       Access token (default $RTSYNC_TOKEN)
//	-subscribe string   Comma separated entity ids to subscribe on start
//	-entity-type string Entity type for -subscribe (default "channel")
//	-log-level string   Overrides log_level of the configuration file
//	-trace string       Trace protocol events to the log: messages or frames
//	-interactive        Enable interactive command mode
//
// Examples:
//
//	# Follow two channels
//	RTSYNC_TOKEN=... rtsync -config rtsync.yaml -subscribe CH1,CH2
//
//	# Interactive session with debug logging
//	rtsync -config rtsync.yaml -token "$TOKEN" -interactive -log-level debug
//
//	# Show every frame the session sends and receives
//	rtsync -config rtsync.yaml -subscribe CH1 -trace frames
//
// Interactive Commands:
//
//	subscribe <entity-id> [type] [last-event-id] - Subscribe to an entity
//	unsubscribe <entity-id>                      - Unsubscribe from an entity
//	state <entity-id>                            - Show subscription state
//	request <method> <path> [json-body]          - Send a raw request
//	status                                       - Show session status
//	quit                                         - Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rtsync/rtsync-go/cmd/rtsync/interactive"
	"github.com/rtsync/rtsync-go/pkg/client"
	"github.com/rtsync/rtsync-go/pkg/config"
	"github.com/rtsync/rtsync-go/pkg/connection"
	rtlog "github.com/rtsync/rtsync-go/pkg/log"
	"github.com/rtsync/rtsync-go/pkg/subscription"
)

// Flags holds the command line settings.
type Flags struct {
	ConfigFile  string
	Token       string
	Subscribe   string
	EntityType  string
	LogLevel    string
	Trace       string
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path (required)")
	flag.StringVar(&flags.Token, "token", os.Getenv("RTSYNC_TOKEN"), "Access token (default $RTSYNC_TOKEN)")
	flag.StringVar(&flags.Subscribe, "subscribe", "", "Comma separated entity ids to subscribe on start")
	flag.StringVar(&flags.EntityType, "entity-type", "channel", "Entity type for -subscribe")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.Trace, "trace", "", "Trace protocol events to the log: messages or frames")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Enable interactive command mode")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	if flags.ConfigFile == "" {
		log.Fatal("-config is required")
	}
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var console *interactive.Console
	if flags.Interactive {
		console, err = interactive.NewConsole()
		if err != nil {
			log.Fatalf("Failed to create console: %v", err)
		}
		// Route all output through readline so it does not garble the prompt.
		log.SetOutput(console.Stdout())
	}

	token := flags.Token
	tokens := func(context.Context) (string, error) { return token, nil }

	opts := []client.Option{client.WithLogger(client.NewLogger(log.Writer(), cfg.LogLevel))}
	if flags.Trace != "" {
		tracer, err := newTracer(log.Writer(), flags.Trace)
		if err != nil {
			log.Fatal(err)
		}
		opts = append(opts, client.WithProtocolLogger(tracer))
	}

	c, err := client.New(cfg, tokens, opts...)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	c.Session().OnStateChange(func(st connection.State) {
		log.Printf("[SESSION] %s", st)
	})
	c.Session().OnFatalError(func(err error) {
		log.Printf("[FATAL] %v", err)
		if !flags.Interactive {
			cancel()
		}
	})
	c.Session().OnTokenAboutToExpire(func() {
		log.Println("[TOKEN] about to expire; supply a new one with -token on restart")
	})
	c.Subscriptions().OnEvent(func(ev subscription.Event) {
		id := "-"
		if ev.EventID != nil {
			id = strconv.FormatInt(*ev.EventID, 10)
		}
		log.Printf("[EVENT] %s %s #%s %s", ev.EntityID, ev.EventType, id, ev.Data)
	})

	if err := c.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	for _, id := range strings.Split(flags.Subscribe, ",") {
		if id = strings.TrimSpace(id); id != "" {
			follow(c.Subscriptions().Subscribe(id, flags.EntityType, nil))
		}
	}

	if console != nil {
		go console.Run(ctx, cancel, c)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	if err := c.Close(); err != nil {
		log.Printf("Error closing client: %v", err)
	}
}

// follow logs every state change of a subscription until it closes.
func follow(s *subscription.Stream) {
	ch, _ := s.Listen()
	go func() {
		for st := range ch {
			log.Printf("[SUBSCRIPTION] %s %s", s.EntityID(), st)
		}
	}()
}

// newTracer returns a protocol trace sink writing to w. Mode messages
// traces decoded frames and state changes, frames adds the raw frames.
func newTracer(w io.Writer, mode string) (*rtlog.SlogAdapter, error) {
	var level slog.Level
	switch mode {
	case "messages":
		level = slog.LevelDebug
	case "frames":
		level = rtlog.LevelFrame
	default:
		return nil, fmt.Errorf("unknown -trace mode %q (messages or frames)", mode)
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return rtlog.NewSlogAdapter(slog.New(h).With("component", "trace")), nil
}
