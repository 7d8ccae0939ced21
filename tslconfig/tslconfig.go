// Package tslconfig loads and validates the engine's JSON configuration,
// following the teacher's cmd.Config shape (encoding/json decode into a
// single struct, a ConfigSecret helper type for fields that need a
// non-default JSON representation) generalized with struct-tag validation
// via the teacher's forked validator package instead of the teacher's own
// hand-rolled checks (CheckChallenges, SetDefaultChallengesIfEmpty).
package tslconfig

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/url"
	"strings"
	"time"

	validator "github.com/letsencrypt/validator/v10"
)

// ConfigSecret is a string-valued config field that may instead be given as
// "secret:<path>", in which case its value is read from that file with
// trailing newlines trimmed — identical semantics to the teacher's
// cmd.ConfigSecret, used here for the TLS cipher list so it need not be
// committed inline.
type ConfigSecret string

const secretPrefix = "secret:"

// UnmarshalJSON resolves a ConfigSecret, reading from a file when the value
// carries the "secret:" prefix.
func (s *ConfigSecret) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("ConfigSecret must be a JSON string: %w", err)
	}
	if !strings.HasPrefix(raw, secretPrefix) {
		*s = ConfigSecret(raw)
		return nil
	}
	contents, err := ioutil.ReadFile(raw[len(secretPrefix):])
	if err != nil {
		return err
	}
	*s = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}

// Config is the engine's full JSON configuration, one struct for
// simplicity per the teacher's own comment ("For simplicity, we just lump
// them all into one struct"). Every key here matches spec.md §6.
type Config struct {
	// Trust-anchor files.
	TslInitialCaDerPath         string `json:"TSL_INITIAL_CA_DER_PATH" validate:"required,file"`
	TslInitialCaDerPathNew      string `json:"TSL_INITIAL_CA_DER_PATH_NEW"`
	TslInitialCaDerPathNewStart string `json:"TSL_INITIAL_CA_DER_PATH_NEW_START" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`

	// Initial download + OCSP proxy.
	TslInitialDownloadUrl string       `json:"TSL_INITIAL_DOWNLOAD_URL" validate:"required,url"`
	TslTiOcspProxyUrl     string       `json:"TSL_TI_OCSP_PROXY_URL" validate:"omitempty,url"`
	TslDownloadCiphers    ConfigSecret `json:"TSL_DOWNLOAD_CIPHERS"`

	// IDP updater.
	IdpUpdateEndpoint                          string `json:"IDP_UPDATE_ENDPOINT" validate:"required,https_only"`
	IdpCertificateMaxAgeHours                  int    `json:"IDP_CERTIFICATE_MAX_AGE_HOURS" validate:"gte=0"`
	IdpUpdateIntervalMinutes                   int    `json:"IDP_UPDATE_INTERVAL_MINUTES" validate:"gt=0"`
	IdpNoValidCertificateUpdateIntervalSeconds int    `json:"IDP_NO_VALID_CERTIFICATE_UPDATE_INTERVAL_SECONDS" validate:"gt=0"`

	// HTTP client.
	HttpClientConnectTimeoutSeconds int `json:"HTTPCLIENT_CONNECT_TIMEOUT_SECONDS" validate:"gt=0"`

	// Process-level listen addresses, following the teacher's per-service
	// DebugAddr config field convention (cmd/ocsp-updater.Config.DebugAddr
	// and siblings).
	GrpcListenAddress  string `json:"GRPC_LISTEN_ADDRESS"`
	DebugListenAddress string `json:"DEBUG_LISTEN_ADDRESS"`

	// GoodkeyBlocklistDir, when set, is a directory of known-weak RSA key
	// product suffixes consulted alongside the ROCA check (goodkey.Policy).
	GoodkeyBlocklistDir string `json:"GOODKEY_BLOCKLIST_DIR" validate:"omitempty,dir"`
}

// DefaultIdpCertificateMaxAgeHours is applied by ApplyDefaults when the
// config omits IDP_CERTIFICATE_MAX_AGE_HOURS, matching spec.md §6's stated
// default of 24h.
const DefaultIdpCertificateMaxAgeHours = 24

const (
	defaultGrpcListenAddress  = ":8090"
	defaultDebugListenAddress = ":8080"
)

// ApplyDefaults fills in the config keys spec.md §6 documents a default
// for, when the loaded JSON left them at their zero value.
func (c *Config) ApplyDefaults() {
	if c.IdpCertificateMaxAgeHours == 0 {
		c.IdpCertificateMaxAgeHours = DefaultIdpCertificateMaxAgeHours
	}
	if c.GrpcListenAddress == "" {
		c.GrpcListenAddress = defaultGrpcListenAddress
	}
	if c.DebugListenAddress == "" {
		c.DebugListenAddress = defaultDebugListenAddress
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("https_only", validateHttpsOnly)
	return v
}

// validateHttpsOnly implements the validator tag spec.md §6 requires for
// IDP_UPDATE_ENDPOINT: a well-formed absolute URL whose scheme is https.
func validateHttpsOnly(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return parsed.Scheme == "https" && parsed.Host != ""
}

// Load reads path as JSON, decodes it into a Config, applies defaults, and
// validates it per the struct tags above.
func Load(path string) (*Config, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(bytes)
}

// Parse decodes raw JSON into a validated Config; split out from Load so
// tests can exercise validation without a filesystem fixture.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}
	cfg.ApplyDefaults()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// IdpCertificateMaxAge returns the configured staleness threshold as a
// time.Duration, for direct use constructing idpupdater.Config.
func (c Config) IdpCertificateMaxAge() time.Duration {
	return time.Duration(c.IdpCertificateMaxAgeHours) * time.Hour
}

// IdpUpdateInterval returns the configured healthy re-fire interval.
func (c Config) IdpUpdateInterval() time.Duration {
	return time.Duration(c.IdpUpdateIntervalMinutes) * time.Minute
}

// IdpNoValidCertificateUpdateInterval returns the configured unhealthy
// re-fire interval.
func (c Config) IdpNoValidCertificateUpdateInterval() time.Duration {
	return time.Duration(c.IdpNoValidCertificateUpdateIntervalSeconds) * time.Second
}

// HttpClientConnectTimeout returns the configured HTTP connect timeout.
func (c Config) HttpClientConnectTimeout() time.Duration {
	return time.Duration(c.HttpClientConnectTimeoutSeconds) * time.Second
}
