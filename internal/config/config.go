// Package config holds endpoint configuration and descriptor loading.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/quantarax/dtp/internal/block"
)

// Duration is a time.Duration that reads from TOML strings like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the settings of a DTP server or client.
type Config struct {
	// Listen is the local UDP address.
	Listen string `toml:"listen"`
	// Peer is the server address a client connects to.
	Peer string `toml:"peer"`
	// ServerName is the TLS server name a client expects.
	ServerName string `toml:"server_name"`

	Descriptors string   `toml:"descriptors"`
	CertFile    string   `toml:"cert"`
	KeyFile     string   `toml:"key"`
	ALPN        []string `toml:"alpn"`
	Insecure    bool     `toml:"insecure"`

	IdleTimeout   Duration `toml:"idle_timeout"`
	ConnIDLen     int      `toml:"conn_id_len"`
	MaxPacketSize int      `toml:"max_packet_size"`
	ChunkSize     int      `toml:"chunk_size"`
	Scheduler     string   `toml:"scheduler"`
	// Secret seeds connection id derivation and stateless resets. Empty
	// means a random per-process secret.
	Secret string `toml:"secret"`
	// Linger keeps a server running after its last connection closes.
	Linger bool `toml:"linger"`

	AdmissionRate  float64 `toml:"admission_rate"`
	AdmissionBurst int     `toml:"admission_burst"`
	MaxConnections int     `toml:"max_connections"`

	MetricsAddr string `toml:"metrics_addr"`
	JournalPath string `toml:"journal"`
	LogLevel    string `toml:"log_level"`
	LogPretty   bool   `toml:"log_pretty"`
}

// DefaultALPN is the application protocol both roles offer.
var DefaultALPN = []string{"dtp/1"}

func defaults() *Config {
	return &Config{
		ALPN:           append([]string(nil), DefaultALPN...),
		IdleTimeout:    Duration{5 * time.Second},
		ConnIDLen:      20,
		MaxPacketSize:  1350,
		Scheduler:      "fifo",
		AdmissionRate:  100,
		AdmissionBurst: 50,
		MaxConnections: 1024,
		LogLevel:       "info",
	}
}

// DefaultServer returns the server defaults.
func DefaultServer() *Config {
	c := defaults()
	c.Listen = "0.0.0.0:4433"
	return c
}

// DefaultClient returns the client defaults.
func DefaultClient() *Config {
	c := defaults()
	c.Listen = "0.0.0.0:0"
	c.Peer = "127.0.0.1:4433"
	c.ServerName = "localhost"
	return c
}

// Load overlays the TOML file at path onto base.
func Load(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	md, err := toml.Decode(string(data), base)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse config %s: unknown key %q", path, undecoded[0].String())
	}
	return base, nil
}

// ValidateServer checks the settings a server needs.
func (c *Config) ValidateServer() error {
	var result *multierror.Error
	result = multierror.Append(result, c.validateCommon())
	if err := ValidateFilePath(c.Descriptors, true); err != nil {
		result = multierror.Append(result, fmt.Errorf("descriptors: %w", err))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		result = multierror.Append(result, fmt.Errorf("cert and key must be set together"))
	}
	for _, p := range []string{c.CertFile, c.KeyFile} {
		if p == "" {
			continue
		}
		if err := ValidateFilePath(p, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("tls: %w", err))
		}
	}
	if c.AdmissionRate < 0 {
		result = multierror.Append(result, fmt.Errorf("admission_rate: %w", ErrOutOfRange))
	}
	return result.ErrorOrNil()
}

// ValidateClient checks the settings a client needs.
func (c *Config) ValidateClient() error {
	var result *multierror.Error
	result = multierror.Append(result, c.validateCommon())
	if err := ValidateUDPAddr(c.Peer); err != nil {
		result = multierror.Append(result, fmt.Errorf("peer: %w", err))
	}
	if c.Descriptors != "" {
		if err := ValidateFilePath(c.Descriptors, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("descriptors: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (c *Config) validateCommon() error {
	var result *multierror.Error
	if err := ValidateUDPAddr(c.Listen); err != nil {
		result = multierror.Append(result, fmt.Errorf("listen: %w", err))
	}
	if err := ValidateRangeInt(c.ConnIDLen, 8, 20); err != nil {
		result = multierror.Append(result, fmt.Errorf("conn_id_len: %w", err))
	}
	if err := ValidateRangeInt(c.MaxPacketSize, 1200, 65527); err != nil {
		result = multierror.Append(result, fmt.Errorf("max_packet_size: %w", err))
	}
	if c.IdleTimeout.Duration <= 0 {
		result = multierror.Append(result, fmt.Errorf("idle_timeout: %w: must be positive", ErrOutOfRange))
	}
	if len(c.ALPN) == 0 {
		result = multierror.Append(result, fmt.Errorf("alpn: %w", ErrEmptyString))
	}
	if _, ok := block.PolicyByName(c.Scheduler); !ok {
		result = multierror.Append(result, fmt.Errorf("scheduler: unknown policy %q", c.Scheduler))
	}
	if c.MetricsAddr != "" {
		if err := ValidateAddr(c.MetricsAddr); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics_addr: %w", err))
		}
	}
	return result.ErrorOrNil()
}
