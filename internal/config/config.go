// Package config defines the server's typed configuration record, loaded
// from YAML via gopkg.in/yaml.v3 in the style of the teacher's own Config
// type (config.go), generalized from per-session client parameters to the
// server-wide parameters spec §1 and §6 name.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the server's full configuration record.
type Config struct {
	// ListenAddr is the TCP address the server accepts client connections
	// on, e.g. ":5222".
	ListenAddr string `yaml:"listen_addr"`

	// Domain is this server's XMPP service domain.
	Domain string `yaml:"domain"`

	// MUCSubdomain is the service address occupants join rooms under, e.g.
	// "conference.example.com".
	MUCSubdomain string `yaml:"muc_subdomain"`

	// TLSCertFile and TLSKeyFile locate the server's certificate and private
	// key for STARTTLS.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	RequireTLS  bool   `yaml:"require_tls"`

	// SASLMechanisms lists the mechanisms advertised during negotiation, in
	// advertisement order.
	SASLMechanisms []string `yaml:"sasl_mechanisms"`

	// StreamManagement holds the XEP-0198 resumption window, read through
	// MaxResumeWindow. cmd/xmppd does not pass it to sessions, which park a
	// detached stream for a fixed window of their own.
	StreamManagement struct {
		MaxResumeSeconds int `yaml:"max_resume_seconds"`
	} `yaml:"stream_management"`

	// CSIEnabled enables client-state-indication buffering.
	CSIEnabled bool `yaml:"csi_enabled"`

	// Archive.Enabled turns on the message archive. RetentionDays and
	// DefaultPageSize are parsed but nothing reads them: archived entries
	// are never expired, and a MAM query is answered with up to 50 entries.
	Archive struct {
		Enabled         bool `yaml:"enabled"`
		RetentionDays   int  `yaml:"retention_days"`
		DefaultPageSize int  `yaml:"default_page_size"`
	} `yaml:"archive"`
}

// MaxResumeWindow returns the configured resumption window as a
// time.Duration, defaulting to five minutes when unset.
func (c Config) MaxResumeWindow() time.Duration {
	if c.StreamManagement.MaxResumeSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.StreamManagement.MaxResumeSeconds) * time.Second
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: open")
	}
	defer f.Close()

	var c Config
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&c); err != nil {
		return Config{}, errors.Wrap(err, "config: decode")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":5222"
	}
	if len(c.SASLMechanisms) == 0 {
		c.SASLMechanisms = []string{"SCRAM-SHA-256", "PLAIN"}
	}
	return c, nil
}
