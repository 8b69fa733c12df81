package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// EngineConfig holds the execution engine settings.
type EngineConfig struct {
	// Interpreter runs each task's entry module, e.g. python3.
	Interpreter string
	// Horizon is the look-ahead window for selecting due tasks.
	Horizon time.Duration
	// Timezone is the IANA zone name all schedule computations use.
	// Empty means the system local zone.
	Timezone string
}

// NotificationConfig holds post-run notification settings.
type NotificationConfig struct {
	BarkURL     string
	BarkEnabled bool
	Desktop     bool
}

// Config holds all runtime configuration options.
type Config struct {
	Mode          string
	StateDir      string
	LogLevel      string
	ShutdownGrace time.Duration
	WakeLabel     string

	Server       ServerConfig
	Engine       EngineConfig
	Notification NotificationConfig
}

const (
	defaultMode          = "run"
	defaultAddr          = "127.0.0.1:7180"
	defaultLogLevel      = "info"
	defaultInterpreter   = "python3"
	defaultHorizon       = 5 * time.Minute
	defaultShutdownGrace = 5 * time.Second
	defaultWakeLabel     = "com.taskcycle.run"
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration from CLI flags, environment variables and an
// optional .env file. Priority: flags > env > .env > defaults.
func Parse() (*Config, error) {
	// The .env file is optional; check the working directory, then the
	// user config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskcycle", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Mode:          getEnvString("TASKCYCLE_MODE", defaultMode),
		StateDir:      getEnvString("TASKCYCLE_STATE_DIR", ""),
		LogLevel:      getEnvString("TASKCYCLE_LOG_LEVEL", defaultLogLevel),
		ShutdownGrace: getEnvDuration("TASKCYCLE_SHUTDOWN_GRACE", defaultShutdownGrace),
		WakeLabel:     getEnvString("TASKCYCLE_WAKE_LABEL", defaultWakeLabel),
		Server: ServerConfig{
			Addr:      getEnvString("TASKCYCLE_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKCYCLE_AUTH_TOKEN", ""),
		},
		Engine: EngineConfig{
			Interpreter: getEnvString("TASKCYCLE_INTERPRETER", defaultInterpreter),
			Horizon:     getEnvDuration("TASKCYCLE_HORIZON", defaultHorizon),
			Timezone:    getEnvString("TASKCYCLE_TZ", ""),
		},
		Notification: NotificationConfig{
			BarkURL:     getEnvString("TASKCYCLE_BARK_URL", ""),
			BarkEnabled: getEnvBool("TASKCYCLE_BARK_ENABLED", false),
			Desktop:     getEnvBool("TASKCYCLE_DESKTOP_NOTIFY", false),
		},
	}

	var (
		mode        string
		stateDir    string
		logLevel    string
		addr        string
		interpreter string
		timezone    string
		horizon     time.Duration
	)
	flag.StringVar(&mode, "mode", "", "Run mode: run (one wake cycle), serve, mcp or both")
	flag.StringVar(&stateDir, "state-dir", "", "Directory holding the task database and lock file")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&addr, "addr", "", "HTTP listen address for serve mode")
	flag.StringVar(&interpreter, "interpreter", "", "Interpreter used to run task entry modules")
	flag.StringVar(&timezone, "tz", "", "IANA timezone for schedule computations (default: system local)")
	flag.DurationVar(&horizon, "horizon", 0, "Due-task selection look-ahead window")
	flag.Parse()

	if mode != "" {
		cfg.Mode = mode
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if interpreter != "" {
		cfg.Engine.Interpreter = interpreter
	}
	if timezone != "" {
		cfg.Engine.Timezone = timezone
	}
	if horizon > 0 {
		cfg.Engine.Horizon = horizon
	}

	switch cfg.Mode {
	case "run", "serve", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (want run, serve, mcp or both)", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Engine.Horizon <= 0 {
		cfg.Engine.Horizon = defaultHorizon
	}
	return cfg, nil
}

// Location resolves the configured timezone. The result is passed
// explicitly into every schedule computation; nothing reads the ambient
// process timezone directly.
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Engine.Timezone, err)
	}
	return loc, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskcycle")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
