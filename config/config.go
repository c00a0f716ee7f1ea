// Package config provides the JSON-decoded configuration tree consumed
// by cmd/gg-cert-core, modeled on boulder's cmd.Config /
// cmd.ConfigDuration pattern: plain structs decoded with encoding/json,
// no defaults baked into the zero value — callers apply defaults and
// clamps explicitly after Load.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// ConfigDuration is a time.Duration that unmarshals from a JSON string
// (e.g. "30s") via time.ParseDuration, the same convention boulder uses
// throughout cmd/config.go.
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration.
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigDuration")

func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var unmarshalTypeErr *json.UnmarshalTypeError
		if errors.As(err, &unmarshalTypeErr) {
			return ErrDurationMustBeString
		}
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// RetryConfig mirrors the backoff knobs boulder's cmd/ocsp-updater
// exposes (failureBackoffFactor, failureBackoffMax), generalized here
// for RetryRunner's exponential-backoff loop.
type RetryConfig struct {
	InitialInterval ConfigDuration `json:"initialInterval"`
	MaxInterval     ConfigDuration `json:"maxInterval"`
	// MaxAttempts of 0 means unbounded, the default for this system.
	MaxAttempts int `json:"maxAttempts"`
}

// CertManagerConfig holds the certificate-lifecycle knobs.
//
// ServerCertValidity is a pointer so that a field absent from the JSON
// document (nil) is distinguishable from one explicitly configured to
// 0 seconds: the former defaults, the latter clamps up to Min like any
// other out-of-range request.
type CertManagerConfig struct {
	ServerCertValidity       *ConfigDuration `json:"serverCertValiditySeconds"`
	ClientCertValidity       ConfigDuration  `json:"clientCertValiditySeconds"`
	CAType                   string          `json:"caType"`
	ExpiryMonitorInterval    ConfigDuration  `json:"expiryMonitorInterval"`
	ShadowProcessingInterval ConfigDuration  `json:"shadowProcessingInterval"`
	WorkDir                  string          `json:"workDir"`
}

// MQTTConfig configures the transport adapter. Consumed only by
// cmd/gg-cert-core and the transport package, never by the core
// components themselves.
type MQTTConfig struct {
	BrokerURL string `json:"brokerURL"`
	ClientID  string `json:"clientId"`
	CAFile    string `json:"caFile"`
	CertFile  string `json:"certFile"`
	KeyFile   string `json:"keyFile"`
}

// Config is the top-level configuration tree.
type Config struct {
	ThingName            string            `json:"thingName"`
	CertManager          CertManagerConfig `json:"certManager"`
	Connectivity         RetryConfig       `json:"connectivity"`
	ConnectivityEndpoint string            `json:"connectivityEndpoint"`
	MQTT                 MQTTConfig        `json:"mqtt"`
}

// Load reads and decodes a Config from the JSON file at path. No
// defaults are applied here; callers apply them afterwards (for example
// via ClampServerCertValidity).
func Load(path string) (Config, error) {
	var c Config
	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return c, err
	}
	return c, nil
}

const (
	// DefaultServerCertValidity is the default server-leaf validity
	// period.
	DefaultServerCertValidity = 7 * 24 * time.Hour
	// MinServerCertValidity is the lower clamp bound.
	MinServerCertValidity = 2 * 24 * time.Hour
	// MaxServerCertValidity is the upper clamp bound.
	MaxServerCertValidity = 10 * 24 * time.Hour
	// DefaultClientCertValidity is the constant client-leaf validity
	// period.
	DefaultClientCertValidity = 7 * 24 * time.Hour
	// DefaultExpiryMonitorInterval is the default ExpiryMonitor tick
	// period.
	DefaultExpiryMonitorInterval = 30 * time.Second
	// DefaultShadowProcessingInterval is the default ShadowMonitor
	// processing-loop delay.
	DefaultShadowProcessingInterval = 5 * time.Second
)

// ClampServerCertValidity applies clamp: [2d, 10d]. A nil d (the field
// was absent from the config document) defaults to 7d; an explicit
// value of 0 or below clamps up to the 2d minimum like any other
// out-of-range request, per the boundary behavior distinguishing
// "unset" from "configured to 0".
func ClampServerCertValidity(d *ConfigDuration) time.Duration {
	if d == nil {
		return DefaultServerCertValidity
	}
	v := d.Duration
	if v < MinServerCertValidity {
		return MinServerCertValidity
	}
	if v > MaxServerCertValidity {
		return MaxServerCertValidity
	}
	return v
}
