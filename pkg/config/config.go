package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/types"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir              = "./certwarden-data"
	DefaultRaftAddr             = "127.0.0.1:7946"
	DefaultAPIAddr              = "127.0.0.1:8080"
	DefaultHTTPSAddr            = "0.0.0.0:9200"
	DefaultProvisioningInterval = 2 * time.Second
	DefaultRenewalInterval      = 30 * time.Minute
	DefaultReconcileInterval    = 10 * time.Second

	// MinPasswordSecretLength is the shortest accepted password_secret
	MinPasswordSecretLength = 16
)

// Config is the process configuration of a certwarden server or data node
type Config struct {
	NodeID    string `yaml:"node_id"`
	DataDir   string `yaml:"data_dir"`
	RaftAddr  string `yaml:"raft_addr"`
	APIAddr   string `yaml:"api_addr"`
	Join      string `yaml:"join"`
	JoinToken string `yaml:"join_token"`

	// PasswordSecret encrypts keystores in the cluster store
	PasswordSecret string `yaml:"password_secret"`

	// CAKeystoreFile and CAPassword configure an external CA kept in a
	// PKCS#12 file instead of the cluster store
	CAKeystoreFile string `yaml:"ca_keystore_file"`
	CAPassword     string `yaml:"ca_password"`

	// RenewalPolicy seeds the cluster policy when none is persisted
	RenewalPolicy *RenewalPolicy `yaml:"renewal_policy"`

	ProvisioningInterval time.Duration `yaml:"provisioning_interval"`
	RenewalInterval      time.Duration `yaml:"renewal_interval"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`

	DataNode DataNode `yaml:"datanode"`
	Log      Log      `yaml:"log"`
}

// RenewalPolicy is the YAML form of types.RenewalPolicy
type RenewalPolicy struct {
	Mode                string         `yaml:"mode"`
	CertificateLifetime types.Duration `yaml:"certificate_lifetime"`
}

// Policy converts to the persisted policy type. The mode is upper-cased.
func (p RenewalPolicy) Policy() types.RenewalPolicy {
	return types.RenewalPolicy{
		Mode:                types.RenewalMode(strings.ToUpper(strings.TrimSpace(p.Mode))),
		CertificateLifetime: p.CertificateLifetime,
	}
}

// DataNode configures the provisioning agent of a data node
type DataNode struct {
	Enabled   bool     `yaml:"enabled"`
	Hostname  string   `yaml:"hostname"`
	AltNames  []string `yaml:"alt_names"`
	HTTPSAddr string   `yaml:"https_addr"`
}

// Log configures the global logger
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LogConfig converts to the logger configuration
func (l Log) LogConfig() log.Config {
	return log.Config{Level: log.ParseLevel(l.Level), JSONOutput: l.JSON}
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads path, applies defaults and validates the result
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML, applies defaults and validates the result
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every unset knob
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		}
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.RaftAddr == "" {
		c.RaftAddr = DefaultRaftAddr
	}
	if c.APIAddr == "" {
		c.APIAddr = DefaultAPIAddr
	}
	if c.ProvisioningInterval <= 0 {
		c.ProvisioningInterval = DefaultProvisioningInterval
	}
	if c.RenewalInterval <= 0 {
		c.RenewalInterval = DefaultRenewalInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.DataNode.Hostname == "" {
		c.DataNode.Hostname = c.NodeID
	}
	if c.DataNode.HTTPSAddr == "" {
		c.DataNode.HTTPSAddr = DefaultHTTPSAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = string(log.InfoLevel)
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.NodeID, validation.Required, validation.Length(1, 128)),
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.RaftAddr, validation.Required, is.DialString),
		validation.Field(&c.APIAddr, validation.Required, is.DialString),
		validation.Field(&c.JoinToken, validation.When(c.Join != "", validation.Required)),
		validation.Field(&c.PasswordSecret, validation.Required, validation.Length(MinPasswordSecretLength, 0)),
		validation.Field(&c.CAPassword, validation.When(c.CAKeystoreFile != "", validation.Required)),
		validation.Field(&c.ProvisioningInterval, validation.Min(100*time.Millisecond)),
		validation.Field(&c.RenewalInterval, validation.Min(time.Second)),
		validation.Field(&c.ReconcileInterval, validation.Min(100*time.Millisecond)),
		validation.Field(&c.Log, validation.By(func(interface{}) error {
			return validation.Validate(strings.ToLower(c.Log.Level), validation.In("debug", "info", "warn", "warning", "error"))
		})),
		validation.Field(&c.DataNode, validation.When(c.DataNode.Enabled, validation.By(func(interface{}) error {
			return c.DataNode.validate()
		}))),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %s%w", err.Error(), types.ErrInvalidParameter)
	}
	if c.RenewalPolicy != nil {
		if err := types.ValidateRenewalPolicy(c.RenewalPolicy.Policy()); err != nil {
			return fmt.Errorf("invalid renewal_policy: %w", err)
		}
	}
	return nil
}

func (d DataNode) validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Hostname, validation.Required, is.Host),
		validation.Field(&d.HTTPSAddr, validation.Required, is.DialString),
		validation.Field(&d.AltNames, validation.By(func(interface{}) error {
			return types.ValidateAltNames(d.AltNames)
		})),
	)
}

// AddFlags registers the flags that override the file configuration
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to the YAML configuration file")
	fs.String("node-id", "", "Unique node ID (defaults to the hostname)")
	fs.String("data-dir", DefaultDataDir, "Data directory for cluster state")
	fs.String("raft-addr", DefaultRaftAddr, "Address for Raft communication")
	fs.String("api-addr", DefaultAPIAddr, "Address for the HTTP API")
	fs.String("join", "", "API address of a cluster member to join")
	fs.String("join-token", "", "Join token issued by the leader")
	fs.String("password-secret", "", "Secret protecting keystores in the cluster store")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.Bool("log-json", false, "Write logs as JSON")
}

// FromFlags loads the file named by --config, when given, and applies every
// flag the user set on top of it
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	cfg := &Config{}
	if path, _ := fs.GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	str("node-id", &cfg.NodeID)
	str("data-dir", &cfg.DataDir)
	str("raft-addr", &cfg.RaftAddr)
	str("api-addr", &cfg.APIAddr)
	str("join", &cfg.Join)
	str("join-token", &cfg.JoinToken)
	str("password-secret", &cfg.PasswordSecret)
	str("log-level", &cfg.Log.Level)
	if fs.Changed("log-json") {
		cfg.Log.JSON, _ = fs.GetBool("log-json")
	}
	if cfg.PasswordSecret == "" {
		cfg.PasswordSecret = os.Getenv("CERTWARDEN_PASSWORD_SECRET")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
