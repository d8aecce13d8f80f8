package association

import (
	"log/slog"
	"time"

	"github.com/caio-sobreiro/dicomnet/errors"
)

// NetworkTimeoutResponse selects what happens when network_timeout expires
// on an established association (spec.md §4.5).
type NetworkTimeoutResponse int

const (
	NetworkTimeoutAbort NetworkTimeoutResponse = iota
	NetworkTimeoutRelease
)

// Config carries every configuration item spec.md §6 lists, following the
// teacher's functional-options style (server.Option, client.Config).
type Config struct {
	AETitle                  string
	MaxPDULength             uint32
	MaximumAssociations      int
	ACSETimeout              time.Duration
	DIMSETimeout             time.Duration
	NetworkTimeout           time.Duration
	ConnectionTimeout        time.Duration
	NetworkTimeoutResponse   NetworkTimeoutResponse
	RequireCalledAET         bool
	RequireCallingAET        bool
	AllowedCallingAETitles   []string
	UnrestrictedStorageSCU   bool
	PreferredTransferSyntaxes []string
	Logger                   *slog.Logger
}

// Option configures an Association's negotiation/timeout behavior.
type Option func(*Config)

func WithAETitle(aeTitle string) Option {
	return func(c *Config) { c.AETitle = aeTitle }
}

func WithMaxPDULength(n uint32) Option {
	return func(c *Config) { c.MaxPDULength = n }
}

func WithACSETimeout(d time.Duration) Option {
	return func(c *Config) { c.ACSETimeout = d }
}

func WithDIMSETimeout(d time.Duration) Option {
	return func(c *Config) { c.DIMSETimeout = d }
}

func WithNetworkTimeout(d time.Duration, response NetworkTimeoutResponse) Option {
	return func(c *Config) {
		c.NetworkTimeout = d
		c.NetworkTimeoutResponse = response
	}
}

func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionTimeout = d }
}

func WithRequireCalledAET(require bool) Option {
	return func(c *Config) { c.RequireCalledAET = require }
}

func WithAllowedCallingAETitles(titles []string) Option {
	return func(c *Config) {
		c.RequireCallingAET = len(titles) > 0
		c.AllowedCallingAETitles = titles
	}
}

func WithUnrestrictedStorageSCU(unrestricted bool) Option {
	return func(c *Config) { c.UnrestrictedStorageSCU = unrestricted }
}

func WithPreferredTransferSyntaxes(tsUIDs []string) Option {
	return func(c *Config) { c.PreferredTransferSyntaxes = tsUIDs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// defaultConfig mirrors client.Connect's and server.Server's zero-value
// defaults (16KB max PDU, 30s connect timeout, 60s read/write-derived
// timeouts).
func defaultConfig() Config {
	return Config{
		MaxPDULength:      16384,
		ACSETimeout:       30 * time.Second,
		DIMSETimeout:      60 * time.Second,
		NetworkTimeout:    0, // disabled unless explicitly configured
		ConnectionTimeout: 30 * time.Second,
		PreferredTransferSyntaxes: []string{
			"1.2.840.10008.1.2.1", // Explicit VR Little Endian
			"1.2.840.10008.1.2",   // Implicit VR Little Endian
		},
	}
}

// resolve applies opts over the defaults and validates the result,
// returning a *errors.ConfigurationError synchronously on an invalid
// value rather than surfacing it only once an association is attempted.
func resolve(opts []Option) (Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AETitle == "" {
		return cfg, errors.NewConfigurationError("ae_title", "must not be empty")
	}
	if cfg.MaxPDULength == 0 {
		return cfg, errors.NewConfigurationError("maximum_pdu_size", "must be nonzero (0 is not a valid local default; unlimited is only valid as a negotiated outcome)")
	}
	return cfg, nil
}
