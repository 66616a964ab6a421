package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/identity"
)

// seedSize is the length of a key file: one seed for either key type.
const seedSize = 32

// Key types accepted by -key-type.
const (
	keyTypeEd25519 = "ed25519"
	keyTypeBLS     = "bls"
)

// Config holds the node configuration. Values come from an optional YAML
// file, then command-line flags override them.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `yaml:"http"`

	// QUICAddress is the QUIC locator exchange listen address.
	QUICAddress string `yaml:"quic"`

	// UDPAddress is the fragmenting UDP transport listen address.
	UDPAddress string `yaml:"udp"`

	// MTU is the UDP datagram size including the fragment header.
	MTU int `yaml:"mtu"`

	// KeyPath is the path to the 32-byte key seed file.
	KeyPath string `yaml:"key"`

	// KeyType selects the identity scheme: ed25519 or bls.
	KeyType string `yaml:"key_type"`

	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level"`

	// Advertise lists endpoints published in this node's locator.
	Advertise listFlag `yaml:"advertise"`

	// Peers lists QUIC addresses dialed at startup.
	Peers listFlag `yaml:"peers"`

	// Roots lists addresses allowed to publish proxy-signed locators.
	Roots listFlag `yaml:"roots"`
}

// listFlag is a comma-separated flag value. Set replaces the list so a flag
// overrides the YAML value instead of extending it.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = nil
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}

	return nil
}

// defaultConfig returns the configuration used when nothing is set.
func defaultConfig() *Config {
	return &Config{
		DataPath:    "./data",
		HTTPAddress: ":8080",
		QUICAddress: ":9000",
		UDPAddress:  ":9993",
		KeyType:     keyTypeEd25519,
		LogLevel:    "info",
	}
}

// parseConfig parses args into a Config. When -config names a file, its
// YAML is applied first and the flags are parsed again on top of it.
func parseConfig(args []string) (*Config, error) {
	cfg := defaultConfig()

	var configPath string

	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.StringVar(&cfg.QUICAddress, "quic", cfg.QUICAddress, "QUIC locator exchange address")
	fs.StringVar(&cfg.UDPAddress, "udp", cfg.UDPAddress, "UDP transport address")
	fs.IntVar(&cfg.MTU, "mtu", cfg.MTU, "UDP datagram size (0 for default)")
	fs.StringVar(&cfg.KeyPath, "key", "", "Key seed path (generates new if missing)")
	fs.StringVar(&cfg.KeyType, "key-type", cfg.KeyType, "Identity type: ed25519 or bls")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Minimum log level")
	fs.Var(&cfg.Advertise, "advertise", "Comma-separated endpoints to publish (e.g. udp/203.0.113.5:9993)")
	fs.Var(&cfg.Peers, "peers", "Comma-separated QUIC peer addresses")
	fs.Var(&cfg.Roots, "roots", "Comma-separated root addresses trusted for proxy-signed locators")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s:\n%w", configPath, err)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// rootAddresses parses the configured roots.
func (c *Config) rootAddresses() ([]identity.Address, error) {
	roots := make([]identity.Address, 0, len(c.Roots))

	for _, s := range c.Roots {
		addr, err := identity.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("root %q:\n%w", s, err)
		}
		roots = append(roots, addr)
	}

	return roots, nil
}

// advertisedEndpoints parses the configured endpoints.
func (c *Config) advertisedEndpoints() ([]endpoint.Endpoint, error) {
	eps := make([]endpoint.Endpoint, 0, len(c.Advertise))

	for _, s := range c.Advertise {
		ep, err := endpoint.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("advertise %q:\n%w", s, err)
		}
		eps = append(eps, ep)
	}

	return eps, nil
}

// loadIdentity loads the key seed and builds an identity of the configured
// type.
func loadIdentity(cfg *Config) (identity.Identity, error) {
	seed, err := loadOrGenerateSeed(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	switch cfg.KeyType {
	case keyTypeEd25519:
		return identity.NewEd25519(ed25519.NewKeyFromSeed(seed)), nil
	case keyTypeBLS:
		id, err := identity.NewBLSFromSeed(seed)
		if err != nil {
			return nil, err
		}
		return id, nil
	default:
		return nil, fmt.Errorf("unknown key type %q", cfg.KeyType)
	}
}

// loadOrGenerateSeed loads the seed from file or generates a new one.
func loadOrGenerateSeed(keyPath string) ([]byte, error) {
	if keyPath == "" {
		return generateSeed()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveSeed(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != seedSize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), seedSize)
	}

	return data, nil
}

// generateSeed creates a new random seed.
func generateSeed() ([]byte, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return seed, nil
}

// generateAndSaveSeed creates a new seed and saves it to the given path.
func generateAndSaveSeed(path string) ([]byte, error) {
	seed, err := generateSeed()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return seed, nil
}
