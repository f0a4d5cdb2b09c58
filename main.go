package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/hizkifw/lmrelay/agent"
	"github.com/hizkifw/lmrelay/client"
	"github.com/hizkifw/lmrelay/config"
	"github.com/hizkifw/lmrelay/hub"
)

type logOpts struct {
	LogLevel string `arg:"--log-level,env:LMRELAY_LOG_LEVEL" help:"debug, info, warn or error"`
	LogJSON  bool   `arg:"--log-json" help:"log as JSON"`
}

func mustParseArgs(dest ...interface{}) {
	parser, err := arg.NewParser(arg.Config{Program: os.Args[0] + " " + os.Args[1]}, dest...)
	if err != nil {
		log.Fatalf("failed to create parser: %v", err)
	}

	err = parser.Parse(os.Args[2:])
	switch {
	case err == nil:
		return
	case err == arg.ErrHelp:
		parser.WriteHelp(os.Stderr)
		os.Exit(0)
	case err == arg.ErrVersion:
		fmt.Println("1.0.0")
		os.Exit(0)
	default:
		parser.WriteHelp(os.Stderr)
		fmt.Println("")
		fmt.Println(err)
		os.Exit(1)
	}
}

// configPath finds --config before the full parse so that file values can
// serve as defaults for the flags.
func configPath(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("LMRELAY_CONFIG")
}

func mustLoadConfig(args []string) *config.File {
	path := configPath(args)
	if path == "" {
		return &config.File{}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func setupLogging(opts logOpts) {
	level := slog.LevelInfo
	if opts.LogLevel != "" {
		if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
			log.Fatalf("invalid log level %q", opts.LogLevel)
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if opts.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Printf("Usage: %s <server|agent|chat> [args]\n", os.Args[0])
		os.Exit(1)
	}

	if err := config.LoadEnv(); err != nil {
		log.Fatal(err)
	}
	cfg := mustLoadConfig(os.Args[2:])
	logs := logOpts{}

	var err error
	switch subcommand := os.Args[1]; subcommand {
	case "server":
		opts := hub.DefaultServerOpts()
		opts.Apply(cfg.Server)
		mustParseArgs(&opts, &logs)
		setupLogging(logs)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = hub.RunServer(&opts, ctx)

	case "agent":
		opts := agent.DefaultAgentOpts()
		if err := opts.Apply(cfg.Agent); err != nil {
			log.Fatalf("invalid config: %v", err)
		}
		mustParseArgs(&opts, &logs)
		setupLogging(logs)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = agent.RunAgent(&opts, ctx)

	case "chat":
		opts := client.DefaultChatOpts()
		if err := opts.Apply(cfg.Chat); err != nil {
			log.Fatalf("invalid config: %v", err)
		}
		logs.LogLevel = "warn"
		mustParseArgs(&opts, &logs)
		setupLogging(logs)

		// Interrupts are handled by the chat itself.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		err = client.RunChat(&opts, ctx)

	default:
		fmt.Printf("Unknown subcommand %q\n", subcommand)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}
