package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for skysync.
type Config struct {
	// Service flags.
	EnableWatch bool `env:"ENABLE_WATCH" envDefault:"true"`
	EnableRelay bool `env:"ENABLE_RELAY" envDefault:"false"`

	// Directory holding the task/pairing database. Defaults to
	// ~/.skysync when empty.
	StateDir string `env:"SKYSYNC_STATE_DIR"`

	// Optional YAML file seeding accounts and pairings at startup.
	SeedFile string `env:"SKYSYNC_SEED_FILE"`

	// Interval between periodic sync runs for each pairing. Watch
	// events trigger runs sooner; this is the floor.
	SyncInterval time.Duration `env:"SKYSYNC_SYNC_INTERVAL" envDefault:"10m"`

	// Quiet period after a filesystem event before a sync run starts.
	WatchDebounce time.Duration `env:"SKYSYNC_WATCH_DEBOUNCE" envDefault:"2s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Status relay settings (required when the relay is enabled).
	RelayListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:":8090"`
	RelayAuthUsers  string `env:"RELAY_AUTH_USERS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve StateDir to an absolute path at startup so paths derived
	// from it stay stable if the working directory changes.
	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SKYSYNC_SYNC_INTERVAL must be positive")
	}

	if c.WatchDebounce <= 0 {
		return fmt.Errorf("SKYSYNC_WATCH_DEBOUNCE must be positive")
	}

	if c.EnableRelay && c.RelayAuthUsers == "" {
		return fmt.Errorf("RELAY_AUTH_USERS is required when the relay is enabled")
	}

	return nil
}

// DefaultStateDir returns the default state directory: ~/.skysync
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".skysync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseRelayUsers parses the RELAY_AUTH_USERS string into a
// username -> password map. Format: "user1:password1,user2:password2"
func (c *Config) ParseRelayUsers() (map[string]string, error) {
	users := make(map[string]string)
	if c.RelayAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.RelayAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		password := pair[idx+1:]
		if username == "" || password == "" {
			return nil, fmt.Errorf("empty username or password in entry %d", len(users)+1)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in RELAY_AUTH_USERS", username)
		}

		users[username] = password
	}

	return users, nil
}

// Account describes one cloud account endpoint from the seed file.
type Account struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Email    string `yaml:"email"`
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`
}

// SeedPairing describes one sync pairing from the seed file.
type SeedPairing struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	LocalRoot        string `yaml:"local_root"`
	RemoteAccountID  string `yaml:"remote_account_id"`
	RemoteFolderID   string `yaml:"remote_folder_id"`
	RemoteFolderPath string `yaml:"remote_folder_path"`
}

// Seed is the parsed SKYSYNC_SEED_FILE contents.
type Seed struct {
	Accounts []Account     `yaml:"accounts"`
	Pairings []SeedPairing `yaml:"pairings"`
}

// LoadSeed parses the YAML seed file at path. A missing path returns an
// empty seed, not an error, so a fresh install starts cleanly.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Seed{}, nil
		}

		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	seed := &Seed{}
	if err := yaml.Unmarshal(data, seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}

	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("validating seed file %s: %w", path, err)
	}

	return seed, nil
}

func (s *Seed) validate() error {
	accounts := make(map[string]struct{}, len(s.Accounts))

	for i, a := range s.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account %d has no id", i+1)
		}

		if a.BaseURL == "" {
			return fmt.Errorf("account %q has no base_url", a.ID)
		}

		if _, dup := accounts[a.ID]; dup {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}

		accounts[a.ID] = struct{}{}
	}

	for i, p := range s.Pairings {
		if p.ID == "" {
			return fmt.Errorf("pairing %d has no id", i+1)
		}

		if p.LocalRoot == "" {
			return fmt.Errorf("pairing %q has no local_root", p.ID)
		}

		if p.RemoteFolderID == "" {
			return fmt.Errorf("pairing %q has no remote_folder_id", p.ID)
		}

		if _, ok := accounts[p.RemoteAccountID]; !ok {
			return fmt.Errorf("pairing %q references unknown account %q", p.ID, p.RemoteAccountID)
		}
	}

	return nil
}
