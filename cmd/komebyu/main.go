// Command komebyu is a terminal host for the chat aggregator. It connects
// to the inputs given as arguments (niconico broadcast ids or Twitch
// channels), prints the normalized event stream, accepts further
// connect/disconnect commands on stdin, and shuts down on OS signals.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/gatsunoko/komebyu/internal/config"
	"github.com/gatsunoko/komebyu/internal/constants"
	"github.com/gatsunoko/komebyu/internal/logger"
	"github.com/gatsunoko/komebyu/internal/model"
	"github.com/gatsunoko/komebyu/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config)")
	noColor := flag.Bool("no-color", false, "Disable colored output (overrides TTY detection)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if *logLevel != "" {
		level = logger.ParseLevel(*logLevel)
	}

	colored := !*noColor && term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""

	rootLog, err := logger.Setup(logger.Config{
		Level:   level,
		Colored: colored,
		LogDir:  cfg.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	rootLog.Info("Starting komebyu")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		rootLog.Info("Received shutdown signal", "signal", sig.String())
		cancel()

		time.AfterFunc(constants.GracefulShutdownTimeout, func() {
			rootLog.Error("Graceful shutdown timed out, forcing exit")
			os.Exit(1)
		})
	}()

	sup := supervisor.New(cfg, rootLog)

	go printEvents(ctx, rootLog, sup.Events())

	for _, input := range flag.Args() {
		sup.Connect(ctx, input)
	}

	go readCommands(ctx, cancel, sup, rootLog)

	<-ctx.Done()

	sup.DisconnectAll()
	time.Sleep(200 * time.Millisecond)
	rootLog.Info("All connections closed. Goodbye!")
}

// printEvents renders the outbound event stream for the terminal.
func printEvents(ctx context.Context, log *logger.Logger, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case model.EventStatus:
				log.Info(ev.Status)
			case model.EventMessage:
				msg := ev.Message
				log.Info(fmt.Sprintf("<%s> %s", msg.User, msg.Text),
					"connection", msg.ConnectionID)
			case model.EventConnections:
				if log.Enabled(ctx, slog.LevelDebug) {
					ids := make([]string, 0, len(ev.Connections))
					for _, h := range ev.Connections {
						ids = append(ids, fmt.Sprintf("%s(%s)", h.ID, h.Status))
					}
					log.Debug("Connections", "live", strings.Join(ids, " "))
				}
			}
		}
	}
}

// readCommands accepts connect/disconnect commands on stdin. Any other
// non-empty line is treated as connect input.
func readCommands(ctx context.Context, cancel context.CancelFunc, sup *supervisor.Supervisor, log *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "quit", line == "exit":
			cancel()
			return
		case line == "disconnect":
			sup.DisconnectAll()
		case strings.HasPrefix(line, "disconnect "):
			sup.Disconnect(strings.TrimSpace(strings.TrimPrefix(line, "disconnect ")))
		case strings.HasPrefix(line, "connect "):
			sup.Connect(ctx, strings.TrimSpace(strings.TrimPrefix(line, "connect ")))
		default:
			sup.Connect(ctx, line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug("Stdin closed", "error", err)
	}
}
