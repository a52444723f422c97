// Package config loads server configuration.
//
// Values come from (lowest to highest priority): defaults, config file,
// environment (WATCHPARTY_ prefix, .env is honored), command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"time"

	"github.com/adwski/watchparty/backend/media"
	"github.com/joho/godotenv"
	"github.com/kkyr/fig"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix       = "WATCHPARTY"
	DefaultFileName = "watchparty.yaml"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	Log struct {
		Level string `fig:"level" default:"info"`
	} `fig:"log"`
	API struct {
		ListenAddr string `fig:"listen_addr" default:":8080"`
	} `fig:"api"`
	WS struct {
		ListenAddr string `fig:"listen_addr" default:":3001"`
		// outbound messages buffered per peer, peer is dropped when it overflows
		PeerBuffer int `fig:"peer_buffer" default:"64"`
	} `fig:"ws"`
	CORS struct {
		AllowedOrigins []string      `fig:"allowed_origins" default:"[*]"`
		MaxAge         time.Duration `fig:"max_age" default:"24h"`
	} `fig:"cors"`
	Session struct {
		DefaultID    string `fig:"default_id" default:"default"`
		InitialMedia string `fig:"initial_media"`
		MaxSessions  int    `fig:"max_sessions" default:"100"`
	} `fig:"session"`
}

type flags struct {
	fs *pflag.FlagSet

	configPath     *string
	apiListenAddr  *string
	wsListenAddr   *string
	logLevel       *string
	allowedOrigins *[]string
	initialMedia   *string
	defaultSession *string
}

func newFlags() *flags {
	fs := pflag.NewFlagSet("watchparty", pflag.ContinueOnError)
	return &flags{
		fs:             fs,
		configPath:     fs.StringP("config", "c", "", "config file path"),
		apiListenAddr:  fs.StringP("api-listen-addr", "a", ":8080", "api listen address"),
		wsListenAddr:   fs.StringP("ws-listen-addr", "w", ":3001", "websocket sync listen address"),
		logLevel:       fs.StringP("log-level", "l", "info", "log level"),
		allowedOrigins: fs.StringSlice("allowed-origins", []string{"*"}, "allowed cross-origin request origins"),
		initialMedia:   fs.String("initial-media", "", "media loaded in a new session (url or id)"),
		defaultSession: fs.String("default-session", "default", "session joined via /ws"),
	}
}

// Load builds configuration from defaults, config file, environment and args.
func Load(args []string) (*Config, error) {
	fl := newFlags()
	if err := fl.fs.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := loadFile(cfg, *fl.configPath); err != nil {
		return nil, err
	}
	fl.apply(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	name, dirs := DefaultFileName, []string{".", "configs"}
	if path != "" {
		name, dirs = filepath.Base(path), []string{filepath.Dir(path)}
	}
	err := fig.Load(cfg, fig.File(name), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) && path == "" {
		err = fig.Load(cfg, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

func (fl *flags) apply(cfg *Config) {
	if fl.fs.Changed("api-listen-addr") {
		cfg.API.ListenAddr = *fl.apiListenAddr
	}
	if fl.fs.Changed("ws-listen-addr") {
		cfg.WS.ListenAddr = *fl.wsListenAddr
	}
	if fl.fs.Changed("log-level") {
		cfg.Log.Level = *fl.logLevel
	}
	if fl.fs.Changed("allowed-origins") {
		cfg.CORS.AllowedOrigins = *fl.allowedOrigins
	}
	if fl.fs.Changed("initial-media") {
		cfg.Session.InitialMedia = *fl.initialMedia
	}
	if fl.fs.Changed("default-session") {
		cfg.Session.DefaultID = *fl.defaultSession
	}
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	if cfg.Session.InitialMedia != "" {
		ref, err := media.ExtractRef(cfg.Session.InitialMedia)
		if err != nil {
			return errors.Join(ErrInvalidConfig, err)
		}
		cfg.Session.InitialMedia = ref
	}
	if cfg.Session.DefaultID == "" {
		return errors.Join(ErrInvalidConfig, errors.New("default session id is empty"))
	}
	return nil
}

// LogLevel returns parsed log level. Config is validated on load.
func (cfg *Config) LogLevel() zerolog.Level {
	lvl, _ := zerolog.ParseLevel(cfg.Log.Level)
	return lvl
}

// Cors returns cross-origin policy for the API.
func (cfg *Config) Cors() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         int(cfg.CORS.MaxAge.Seconds()),
	})
}

// OriginChecker adapts cors policy for websocket upgrades.
// Requests without Origin come from non-browser peers and are allowed.
func OriginChecker(c *cors.Cors) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if r.Header.Get("Origin") == "" {
			return true
		}
		return c.OriginAllowed(r)
	}
}
