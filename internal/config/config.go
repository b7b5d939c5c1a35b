package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GossipConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	MaxPeers       int      `yaml:"max_peers"`
	EnableDHT      bool     `yaml:"enable_dht"`
}

type APIConfig struct {
	Port      int     `yaml:"port"`
	Bind      string  `yaml:"bind"`
	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client on write routes
	RateBurst int     `yaml:"rate_burst"`
}

// ChainConfig selects where block data comes from. Network "btc" reads
// Esplora explorers; network "bsv" reads a Block Headers Service. The two
// chains have different blocks, so one daemon never mixes them.
type ChainConfig struct {
	Network      string        `yaml:"network"`
	EsploraURLs  []string      `yaml:"esplora_urls"`
	BHSURL       string        `yaml:"bhs_url"`
	BHSAPIKey    string        `yaml:"bhs_api_key"`
	MinAgreement int           `yaml:"min_agreement"` // 0 = majority of sources
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type LotteryConfig struct {
	BlockCount      int           `yaml:"block_count"`
	MaxBlockCount   int           `yaml:"max_block_count"`
	Confirmations   int           `yaml:"confirmations"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxTicketNumber int64         `yaml:"max_ticket_number"`
}

type HeadersConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WalletConfig struct {
	Key string `yaml:"key"` // WIF; generated and stored in the database when empty
}

type AnchorConfig struct {
	Mode      string `yaml:"mode"` // "native", "http", or "none"
	ArcURL    string `yaml:"arc_url"`
	ArcAPIKey string `yaml:"arc_api_key"`
	Endpoint  string `yaml:"endpoint"` // HTTP anchoring service URL
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty = stderr
}

type Config struct {
	DataDir string        `yaml:"data_dir"`
	API     APIConfig     `yaml:"api"`
	Chain   ChainConfig   `yaml:"chain"`
	Lottery LotteryConfig `yaml:"lottery"`
	Headers HeadersConfig `yaml:"headers"`
	Gossip  GossipConfig  `yaml:"gossip"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Anchor  AnchorConfig  `yaml:"anchor"`
	Log     LogConfig     `yaml:"log"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".drawd"),
		API: APIConfig{
			Port:      8480,
			Bind:      "127.0.0.1",
			RateLimit: 5,
			RateBurst: 10,
		},
		Chain: ChainConfig{
			Network:      "btc",
			EsploraURLs:  []string{"https://blockstream.info/api"},
			Timeout:      10 * time.Second,
			Retries:      3,
			RetryBackoff: 2 * time.Second,
		},
		Lottery: LotteryConfig{
			BlockCount:      3,
			MaxBlockCount:   10,
			Confirmations:   6,
			PollInterval:    time.Minute,
			MaxTicketNumber: 999999,
		},
		Headers: HeadersConfig{
			PollInterval: 30 * time.Second,
		},
		Gossip: GossipConfig{
			Enabled:   true,
			Port:      4030,
			MaxPeers:  50,
			EnableDHT: true,
		},
		Anchor: AnchorConfig{
			Mode:   "none",
			ArcURL: "https://arc.taal.com",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file: defaults + env overlay
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func expandHome(p string) string {
	if len(p) > 0 && p[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[1:])
	}
	return p
}

// applyEnv overlays environment variables on top of config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("DRAWD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DRAWD_WALLET_KEY"); v != "" {
		c.Wallet.Key = v
	}
	if v := os.Getenv("DRAWD_JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
	if v := os.Getenv("DRAWD_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.API.Port = p
		}
	}
	// BITCOIN_API_URL replaces the explorer list with a single endpoint;
	// DRAWD_ESPLORA_URLS takes a comma-separated list.
	if v := os.Getenv("BITCOIN_API_URL"); v != "" {
		c.Chain.EsploraURLs = []string{v}
	}
	if v := os.Getenv("DRAWD_ESPLORA_URLS"); v != "" {
		c.Chain.EsploraURLs = splitList(v)
	}
	if v := os.Getenv("DRAWD_CHAIN_NETWORK"); v != "" {
		c.Chain.Network = v
	}
	if v := os.Getenv("DRAWD_BHS_URL"); v != "" {
		c.Chain.BHSURL = v
	}
	if v := os.Getenv("DRAWD_BHS_API_KEY"); v != "" {
		c.Chain.BHSAPIKey = v
	}
	if v := os.Getenv("DRAWD_CONFIRMATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Lottery.Confirmations = n
		}
	}
	if v := os.Getenv("DRAWD_ANCHOR_MODE"); v != "" {
		c.Anchor.Mode = v
	}
	if v := os.Getenv("DRAWD_ARC_URL"); v != "" {
		c.Anchor.ArcURL = v
	}
	if v := os.Getenv("DRAWD_ARC_API_KEY"); v != "" {
		c.Anchor.ArcAPIKey = v
	}
	if v := os.Getenv("DRAWD_ANCHOR_ENDPOINT"); v != "" {
		c.Anchor.Endpoint = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Chain.Network {
	case "btc":
		if c.Chain.BHSURL != "" {
			return fmt.Errorf("chain: bhs_url serves BSV headers and cannot be used with network btc")
		}
		if len(c.Chain.EsploraURLs) == 0 {
			return fmt.Errorf("chain: network btc needs esplora_urls")
		}
	case "bsv":
		if c.Chain.BHSURL == "" {
			return fmt.Errorf("chain: network bsv needs bhs_url")
		}
	default:
		return fmt.Errorf("chain: unknown network %q", c.Chain.Network)
	}
	if c.Lottery.BlockCount < 1 || c.Lottery.MaxBlockCount < c.Lottery.BlockCount {
		return fmt.Errorf("lottery: block_count %d must be between 1 and max_block_count %d",
			c.Lottery.BlockCount, c.Lottery.MaxBlockCount)
	}
	if c.Lottery.Confirmations < 1 {
		return fmt.Errorf("lottery: confirmations must be at least 1")
	}
	switch c.Anchor.Mode {
	case "native", "none":
	case "http":
		if c.Anchor.Endpoint == "" {
			return fmt.Errorf("anchor: mode http needs an endpoint")
		}
	default:
		return fmt.Errorf("anchor: unknown mode %q", c.Anchor.Mode)
	}
	return nil
}

// LoadFromBytes parses YAML config from bytes and merges with defaults.
// Used by the mobile package where there's no config file on disk.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// DBPath returns the full path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "drawd.db")
}
