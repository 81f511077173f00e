// Package factory selects between peer/real and peer/simulated connection
// managers at startup: environment-variable overrides validated against
// bounds, with warnings logged for any value rejected.
package factory

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/peer/real"
	"github.com/slsk-go/slsk/peer/simulated"
)

const (
	// MinNetworkTimeoutMillis is the minimum allowed network timeout.
	MinNetworkTimeoutMillis = 100
	// MaxNetworkTimeoutMillis is the maximum allowed network timeout (10 minutes).
	MaxNetworkTimeoutMillis = 600000
	// MinRetryAttempts is the minimum allowed retry count.
	MinRetryAttempts = 0
	// MaxRetryAttempts is the maximum allowed retry count.
	MaxRetryAttempts = 100
)

// Config controls how NewConnectionManager builds a peer.ConnectionManager.
type Config struct {
	UseSimulation  bool
	NetworkTimeout int // milliseconds
	RetryAttempts  int

	// ListenAddr is used only when UseSimulation is false.
	ListenAddr string
	// Network is used only when UseSimulation is true; callers share one
	// Network across every simulated participant that should be able to
	// reach each other.
	Network *simulated.Network
}

// Factory builds peer.ConnectionManager instances from a base configuration
// that environment variables may override.
type Factory struct {
	mu            sync.RWMutex
	defaultConfig Config
}

// NewFactory creates a factory with production defaults, then applies any
// SLSK_* environment overrides.
func NewFactory() *Factory {
	cfg := Config{
		UseSimulation:  false,
		NetworkTimeout: 5000,
		RetryAttempts:  3,
	}
	applyEnvironmentOverrides(&cfg)
	logrus.WithFields(logrus.Fields{
		"function":        "factory.NewFactory",
		"use_simulation":  cfg.UseSimulation,
		"network_timeout": cfg.NetworkTimeout,
		"retry_attempts":  cfg.RetryAttempts,
	}).Info("peer connection manager factory configured")

	return &Factory{defaultConfig: cfg}
}

func applyEnvironmentOverrides(cfg *Config) {
	parseSimulationSetting(cfg)
	parseTimeoutSetting(cfg)
	parseRetrySetting(cfg)
}

func parseSimulationSetting(cfg *Config) {
	raw := os.Getenv("SLSK_USE_SIMULATION")
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "parseSimulationSetting",
			"env_var":  "SLSK_USE_SIMULATION",
			"value":    raw,
			"error":    err.Error(),
		}).Warn("failed to parse SLSK_USE_SIMULATION, using default")
		return
	}
	cfg.UseSimulation = v
}

func parseTimeoutSetting(cfg *Config) {
	raw := os.Getenv("SLSK_NETWORK_TIMEOUT")
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "parseTimeoutSetting",
			"env_var":  "SLSK_NETWORK_TIMEOUT",
			"value":    raw,
			"error":    err.Error(),
		}).Warn("failed to parse SLSK_NETWORK_TIMEOUT, using default")
		return
	}
	if v < MinNetworkTimeoutMillis || v > MaxNetworkTimeoutMillis {
		logrus.WithFields(logrus.Fields{
			"function": "parseTimeoutSetting",
			"env_var":  "SLSK_NETWORK_TIMEOUT",
			"value":    v,
		}).Warn("SLSK_NETWORK_TIMEOUT out of bounds, using default")
		return
	}
	cfg.NetworkTimeout = v
}

func parseRetrySetting(cfg *Config) {
	raw := os.Getenv("SLSK_RETRY_ATTEMPTS")
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "parseRetrySetting",
			"env_var":  "SLSK_RETRY_ATTEMPTS",
			"value":    raw,
			"error":    err.Error(),
		}).Warn("failed to parse SLSK_RETRY_ATTEMPTS, using default")
		return
	}
	if v < MinRetryAttempts || v > MaxRetryAttempts {
		logrus.WithFields(logrus.Fields{
			"function": "parseRetrySetting",
			"env_var":  "SLSK_RETRY_ATTEMPTS",
			"value":    v,
		}).Warn("SLSK_RETRY_ATTEMPTS out of bounds, using default")
		return
	}
	cfg.RetryAttempts = v
}

// NewConnectionManager builds a peer.ConnectionManager for selfUsername.
// A non-empty override.ListenAddr or non-nil override.Network replaces the
// factory's default; simulation is used if either override or the default
// enables it. NetworkTimeout and RetryAttempts are not passed to the
// manager that is built.
func (f *Factory) NewConnectionManager(selfUsername string, override Config) (peer.ConnectionManager, error) {
	f.mu.RLock()
	cfg := f.defaultConfig
	f.mu.RUnlock()

	if override.ListenAddr != "" {
		cfg.ListenAddr = override.ListenAddr
	}
	if override.Network != nil {
		cfg.Network = override.Network
	}
	cfg.UseSimulation = override.UseSimulation || cfg.UseSimulation

	if cfg.UseSimulation {
		net := cfg.Network
		if net == nil {
			net = simulated.NewNetwork()
		}
		return simulated.NewManager(net, selfUsername), nil
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("factory: ListenAddr is required for a real connection manager")
	}
	return real.NewManager(selfUsername, cfg.ListenAddr)
}
