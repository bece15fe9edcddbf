// Package config loads plantree settings from command-line flags, environment
// variables and an optional .env file.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DatabaseFile is the SQLite file created inside the data directory.
const DatabaseFile = "plantree.db"

// Config holds the application configuration.
type Config struct {
	App     AppConfig
	Logger  LoggerConfig
	Storage StorageConfig
	Site    SiteConfig
	Server  ServerConfig
	Tree    TreeConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level  string
	Format string // json or pretty; empty picks by environment
}

// StorageConfig locates the database.
type StorageConfig struct {
	DataPath string
}

// DatabasePath returns the SQLite file path.
func (s StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataPath, DatabaseFile)
}

// SiteConfig locates per-site settings (locales, option keys).
type SiteConfig struct {
	ConfigPath    string // YAML file, optional
	DefaultSiteID string
	Watch         bool // reload ConfigPath on change
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// TreeConfig tunes the tree service.
type TreeConfig struct {
	DecorationCacheSize int64   // annotations kept in memory
	MutationRate        float64 // mutation requests per second per client, 0 disables the limit
	MutationBurst       int
}

// LoadConfig loads configuration from the process arguments.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds the configuration with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("plantree", flag.ContinueOnError)

	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, pretty)")
	dataPath := fs.String("data-path", "", "Directory holding the database")
	siteConfig := fs.String("site-config", "", "Path to the site configuration YAML")
	siteID := fs.String("site", "", "Default site id")
	watchSites := fs.String("watch-site-config", "", "Reload the site configuration on change (default: true)")

	serverPort := fs.String("port", "", "Server port (default: 8080)")
	readTimeout := fs.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := fs.String("write-timeout", "", "HTTP write timeout (default: 15s)")
	idleTimeout := fs.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")
	origins := fs.String("allowed-origins", "", "Comma-separated CORS origins (default: *)")

	cacheSize := fs.String("decoration-cache-size", "", "Cached node annotations (default: 10000)")
	mutationRate := fs.String("mutation-rate", "", "Mutations per second per client (default: 5)")
	mutationBurst := fs.String("mutation-burst", "", "Mutation burst per client (default: 10)")

	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Missing .env files are fine.
	_ = loadEnvFile(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level:  getConfigValue(*logLevel, "LOG_LEVEL", "info"),
			Format: getConfigValue(*logFormat, "LOG_FORMAT", ""),
		},
		Storage: StorageConfig{
			DataPath: getConfigValue(*dataPath, "DATA_PATH", ""),
		},
		Site: SiteConfig{
			ConfigPath:    getConfigValue(*siteConfig, "SITE_CONFIG_PATH", ""),
			DefaultSiteID: getConfigValue(*siteID, "DEFAULT_SITE_ID", "default"),
			Watch:         getBoolConfigValue(*watchSites, "WATCH_SITE_CONFIG", true),
		},
		Server: ServerConfig{
			Port:           getConfigValue(*serverPort, "SERVER_PORT", "8080"),
			AllowedOrigins: splitList(getConfigValue(*origins, "ALLOWED_ORIGINS", "*")),
		},
		Tree: TreeConfig{
			DecorationCacheSize: int64(getIntConfigValue(*cacheSize, "DECORATION_CACHE_SIZE", 10_000)),
			MutationBurst:       getIntConfigValue(*mutationBurst, "MUTATION_BURST", 10),
		},
	}

	var err error
	if cfg.Tree.MutationRate, err = getFloatConfigValue(*mutationRate, "MUTATION_RATE", 5); err != nil {
		return nil, err
	}
	if cfg.Server.ReadTimeout, err = getDurationConfigValue(*readTimeout, "SERVER_READ_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.Server.WriteTimeout, err = getDurationConfigValue(*writeTimeout, "SERVER_WRITE_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.Server.IdleTimeout, err = getDurationConfigValue(*idleTimeout, "SERVER_IDLE_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	switch c.App.Environment {
	case "development", "staging", "production":
	case "":
		return errors.New("ENV is required")
	default:
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.App.Environment)
	}

	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	switch c.Logger.Format {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or pretty)", c.Logger.Format)
	}

	if c.Storage.DataPath == "" {
		return errors.New("data path cannot be empty after expansion")
	}
	if c.Site.DefaultSiteID == "" {
		return errors.New("default site id cannot be empty")
	}
	if c.Tree.DecorationCacheSize < 0 {
		return fmt.Errorf("invalid decoration cache size: %d", c.Tree.DecorationCacheSize)
	}
	if c.Tree.MutationRate < 0 {
		return fmt.Errorf("invalid mutation rate: %g", c.Tree.MutationRate)
	}
	if c.Tree.MutationRate > 0 && c.Tree.MutationBurst < 1 {
		return fmt.Errorf("mutation burst must be at least 1, got %d", c.Tree.MutationBurst)
	}

	return nil
}

func (c *Config) expandPaths() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	if c.Storage.DataPath, err = expandPath(c.Storage.DataPath, filepath.Join(home, ".plantree")); err != nil {
		return fmt.Errorf("invalid data path: %w", err)
	}
	if c.Site.ConfigPath, err = expandPath(c.Site.ConfigPath, ""); err != nil {
		return fmt.Errorf("invalid site config path: %w", err)
	}
	return nil
}

// expandPath expands ~ and makes the path absolute.
// An empty path yields defaultPath unchanged.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = abs
	}

	return filepath.Clean(path), nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getBoolConfigValue accepts "true", "1" and "yes" (any case) as true.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	v := getConfigValue(flagValue, envKey, "")
	if v == "" {
		return defaultValue
	}
	v = strings.ToLower(v)
	return v == "true" || v == "1" || v == "yes"
}

// getIntConfigValue falls back to the default on unparseable input.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	v := getConfigValue(flagValue, envKey, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getFloatConfigValue(flagValue, envKey string, defaultValue float64) (float64, error) {
	v := getConfigValue(flagValue, envKey, "")
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, v, err)
	}
	return f, nil
}

func getDurationConfigValue(flagValue, envKey string, defaultValue time.Duration) (time.Duration, error) {
	v := getConfigValue(flagValue, envKey, "")
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, v, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads KEY=value lines from path into the environment without
// overriding variables that are already set. Blank lines and # comments are skipped.
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- path comes from the operator
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}
