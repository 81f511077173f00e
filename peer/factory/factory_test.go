package factory

import (
	"os"
	"testing"

	"github.com/slsk-go/slsk/peer/simulated"
)

func TestNewFactoryDefaults(t *testing.T) {
	clearEnv()

	f := NewFactory()

	f.mu.RLock()
	cfg := f.defaultConfig
	f.mu.RUnlock()

	if cfg.UseSimulation {
		t.Errorf("expected default UseSimulation false, got %v", cfg.UseSimulation)
	}
	if cfg.NetworkTimeout != 5000 {
		t.Errorf("expected default NetworkTimeout 5000, got %d", cfg.NetworkTimeout)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("expected default RetryAttempts 3, got %d", cfg.RetryAttempts)
	}
}

// TestEnvironmentVariableParsing is a table-driven check of every SLSK_*
// override variable, including out-of-bounds and malformed values.
func TestEnvironmentVariableParsing(t *testing.T) {
	tests := []struct {
		name      string
		envKey    string
		envValue  string
		checkFunc func(Config) bool
	}{
		{
			name:      "valid_simulation_true",
			envKey:    "SLSK_USE_SIMULATION",
			envValue:  "true",
			checkFunc: func(c Config) bool { return c.UseSimulation == true },
		},
		{
			name:      "valid_simulation_false",
			envKey:    "SLSK_USE_SIMULATION",
			envValue:  "false",
			checkFunc: func(c Config) bool { return c.UseSimulation == false },
		},
		{
			name:      "invalid_simulation_value_falls_back",
			envKey:    "SLSK_USE_SIMULATION",
			envValue:  "invalid",
			checkFunc: func(c Config) bool { return c.UseSimulation == false },
		},
		{
			name:      "valid_timeout",
			envKey:    "SLSK_NETWORK_TIMEOUT",
			envValue:  "10000",
			checkFunc: func(c Config) bool { return c.NetworkTimeout == 10000 },
		},
		{
			name:      "timeout_not_a_number_falls_back",
			envKey:    "SLSK_NETWORK_TIMEOUT",
			envValue:  "not_a_number",
			checkFunc: func(c Config) bool { return c.NetworkTimeout == 5000 },
		},
		{
			name:      "timeout_below_minimum_falls_back",
			envKey:    "SLSK_NETWORK_TIMEOUT",
			envValue:  "50",
			checkFunc: func(c Config) bool { return c.NetworkTimeout == 5000 },
		},
		{
			name:      "timeout_above_maximum_falls_back",
			envKey:    "SLSK_NETWORK_TIMEOUT",
			envValue:  "700000",
			checkFunc: func(c Config) bool { return c.NetworkTimeout == 5000 },
		},
		{
			name:      "timeout_at_minimum",
			envKey:    "SLSK_NETWORK_TIMEOUT",
			envValue:  "100",
			checkFunc: func(c Config) bool { return c.NetworkTimeout == 100 },
		},
		{
			name:      "timeout_at_maximum",
			envKey:    "SLSK_NETWORK_TIMEOUT",
			envValue:  "600000",
			checkFunc: func(c Config) bool { return c.NetworkTimeout == 600000 },
		},
		{
			name:      "valid_retries",
			envKey:    "SLSK_RETRY_ATTEMPTS",
			envValue:  "7",
			checkFunc: func(c Config) bool { return c.RetryAttempts == 7 },
		},
		{
			name:      "retries_negative_falls_back",
			envKey:    "SLSK_RETRY_ATTEMPTS",
			envValue:  "-1",
			checkFunc: func(c Config) bool { return c.RetryAttempts == 3 },
		},
		{
			name:      "retries_above_maximum_falls_back",
			envKey:    "SLSK_RETRY_ATTEMPTS",
			envValue:  "150",
			checkFunc: func(c Config) bool { return c.RetryAttempts == 3 },
		},
		{
			name:      "retries_at_zero",
			envKey:    "SLSK_RETRY_ATTEMPTS",
			envValue:  "0",
			checkFunc: func(c Config) bool { return c.RetryAttempts == 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			originalValue := os.Getenv(tt.envKey)
			defer os.Setenv(tt.envKey, originalValue)
			os.Setenv(tt.envKey, tt.envValue)

			f := NewFactory()
			f.mu.RLock()
			cfg := f.defaultConfig
			f.mu.RUnlock()

			if !tt.checkFunc(cfg) {
				t.Errorf("%s: config did not satisfy expectation, got %+v", tt.name, cfg)
			}
		})
	}
}

func TestNewConnectionManagerSimulation(t *testing.T) {
	clearEnv()
	network := simulated.NewNetwork()

	f := NewFactory()
	mgr, err := f.NewConnectionManager("me", Config{UseSimulation: true, Network: network})
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	if mgr == nil {
		t.Fatal("expected a non-nil connection manager")
	}
	if _, ok := mgr.(*simulated.Manager); !ok {
		t.Fatalf("expected *simulated.Manager, got %T", mgr)
	}
}

func TestNewConnectionManagerRealRequiresListenAddr(t *testing.T) {
	clearEnv()

	f := NewFactory()
	if _, err := f.NewConnectionManager("me", Config{}); err == nil {
		t.Fatal("expected an error when ListenAddr is empty for a real connection manager")
	}
}

func clearEnv() {
	os.Unsetenv("SLSK_USE_SIMULATION")
	os.Unsetenv("SLSK_NETWORK_TIMEOUT")
	os.Unsetenv("SLSK_RETRY_ATTEMPTS")
}
