// Package config loads optional configuration files. Values found in a file
// act as defaults that command-line flags override.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type File struct {
	Server Server `yaml:"server" toml:"server"`
	Agent  Agent  `yaml:"agent" toml:"agent"`
	Chat   Chat   `yaml:"chat" toml:"chat"`
}

type Server struct {
	Listen          string         `yaml:"listen" toml:"listen"`
	Policy          string         `yaml:"policy" toml:"policy"`
	PollInterval    time.Duration  `yaml:"poll_interval" toml:"poll_interval"`
	MaxWait         *time.Duration `yaml:"max_wait" toml:"max_wait"` // nil keeps the default, 0 waits forever
	AllowAnyLast    bool           `yaml:"allow_any_last" toml:"allow_any_last"`
	MaxPromptTokens int            `yaml:"max_prompt_tokens" toml:"max_prompt_tokens"`
	TokenModel      string         `yaml:"token_model" toml:"token_model"`
	SubmitRate      float64        `yaml:"submit_rate" toml:"submit_rate"`
	SubmitBurst     int            `yaml:"submit_burst" toml:"submit_burst"`
	PingInterval    time.Duration  `yaml:"ping_interval" toml:"ping_interval"`
	PongWait        time.Duration  `yaml:"pong_wait" toml:"pong_wait"`
}

type Agent struct {
	Hub              string        `yaml:"hub" toml:"hub"`
	Name             string        `yaml:"name" toml:"name"`
	Inference        string        `yaml:"inference" toml:"inference"`
	Model            string        `yaml:"model" toml:"model"`
	MaxConcurrency   int           `yaml:"max_concurrency" toml:"max_concurrency"`
	CoalesceBytes    int           `yaml:"coalesce_bytes" toml:"coalesce_bytes"`
	CoalesceInterval time.Duration `yaml:"coalesce_interval" toml:"coalesce_interval"`
}

type Chat struct {
	Server string `yaml:"server" toml:"server"`
	Store  string `yaml:"store" toml:"store"`
	System string `yaml:"system" toml:"system"`
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) configuration file.
func Load(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg File
	switch ext := strings.ToLower(filepath.Ext(absPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("config file %q: unsupported extension %q", absPath, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return &cfg, nil
}

func (c *File) Validate() error {
	switch c.Server.Policy {
	case "", "first", "round-robin", "least-loaded":
	default:
		return fmt.Errorf("server.policy %q must be one of first, round-robin, least-loaded", c.Server.Policy)
	}
	if c.Server.MaxWait != nil && *c.Server.MaxWait < 0 {
		return fmt.Errorf("server.max_wait must not be negative")
	}
	if c.Server.MaxPromptTokens < 0 {
		return fmt.Errorf("server.max_prompt_tokens must not be negative")
	}
	if c.Server.SubmitRate < 0 || c.Server.SubmitBurst < 0 {
		return fmt.Errorf("server.submit_rate and server.submit_burst must not be negative")
	}
	if c.Agent.MaxConcurrency < 0 {
		return fmt.Errorf("agent.max_concurrency must not be negative")
	}
	return nil
}

// LoadEnv loads .env style files into the process environment. Missing
// files are skipped.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %q: %w", p, err)
		}
	}
	return nil
}

// Watch reloads the file whenever it changes and passes the result to
// onChange. Invalid revisions are logged and skipped. It blocks until ctx is
// done.
func Watch(ctx context.Context, path string, onChange func(*File)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so that editors replacing the file are noticed.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(absPath), err)
	}

	log := slog.With("component", "config", "path", absPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(absPath)
			if err != nil {
				log.Warn("ignoring invalid config revision", "error", err)
				continue
			}
			log.Info("config reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
