package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with WARDLINE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or WARDLINE_DATA_DATABASE_SOURCE: MySQL connection string
//
// Parameters:
//   - configPath: Path to the configuration file or directory
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with WARDLINE_ prefix
	v.SetEnvPrefix("WARDLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without WARDLINE_ prefix) for compatibility
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "WARDLINE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "WARDLINE_DATA_REDIS_ADDR")
	_ = v.BindEnv("auth.admin_token", "ADMIN_TOKEN", "WARDLINE_AUTH_ADMIN_TOKEN")
	_ = v.BindEnv("governance.budget.monthly_usd", "MONTHLY_BUDGET_USD", "WARDLINE_GOVERNANCE_BUDGET_MONTHLY_USD")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
			Grpc: &Server_GRPC{
				Network: v.GetString("server.grpc.network"),
				Addr:    v.GetString("server.grpc.addr"),
				Timeout: durationpb.New(v.GetDuration("server.grpc.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Governance: &Governance{
			Circuit: &Governance_Circuit{
				FailureThreshold: v.GetInt("governance.circuit.failure_threshold"),
				SuccessThreshold: v.GetInt("governance.circuit.success_threshold"),
				OpenTimeout:      durationpb.New(v.GetDuration("governance.circuit.open_timeout")),
				HalfOpenTimeout:  durationpb.New(v.GetDuration("governance.circuit.half_open_timeout")),
			},
			Backpressure: &Governance_Backpressure{
				Thresholds:       thresholdsFromConfig(v),
				TokenCapBaseline: v.GetInt64("governance.backpressure.token_cap_baseline"),
			},
			Budget: &Governance_Budget{
				MonthlyUSD:         v.GetFloat64("governance.budget.monthly_usd"),
				DowngradeThreshold: v.GetFloat64("governance.budget.downgrade_threshold"),
				HardStopThreshold:  v.GetFloat64("governance.budget.hard_stop_threshold"),
				AllowDowngrade:     v.GetBool("governance.budget.allow_downgrade"),
				PrimaryModel:       v.GetString("governance.budget.primary_model"),
				DowngradeModel:     v.GetString("governance.budget.downgrade_model"),
			},
		},
		Auth: &Auth{
			AdminToken: v.GetString("auth.admin_token"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// thresholdsFromConfig reads the per-metric backpressure thresholds, keeping
// the defaults for any metric the file does not override.
func thresholdsFromConfig(v *viper.Viper) map[string]float64 {
	thresholds := map[string]float64{}
	for name, def := range defaultBackpressureThresholds {
		key := "governance.backpressure.thresholds." + name
		if v.IsSet(key) {
			thresholds[name] = v.GetFloat64(key)
		} else {
			thresholds[name] = def
		}
	}
	// Pick up any extra metrics configured beyond the defaults
	for name, raw := range v.GetStringMap("governance.backpressure.thresholds") {
		if _, ok := thresholds[name]; ok {
			continue
		}
		if f, ok := toFloat(raw); ok {
			thresholds[name] = f
		}
	}
	return thresholds
}

func toFloat(raw interface{}) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// defaultBackpressureThresholds are the trigger thresholds for the metrics
// the pipeline reports every turn.
var defaultBackpressureThresholds = map[string]float64{
	"latency_p95": 8000,  // milliseconds
	"queue_depth": 100,   // queued turns
	"token_queue": 50000, // tokens awaiting generation
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":9000")
	v.SetDefault("server.grpc.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Circuit breaker defaults
	v.SetDefault("governance.circuit.failure_threshold", 5)
	v.SetDefault("governance.circuit.success_threshold", 2)
	v.SetDefault("governance.circuit.open_timeout", 60*time.Second)
	v.SetDefault("governance.circuit.half_open_timeout", 30*time.Second)

	// Backpressure defaults
	v.SetDefault("governance.backpressure.token_cap_baseline", 8192)

	// Budget defaults
	v.SetDefault("governance.budget.monthly_usd", 1000.0)
	v.SetDefault("governance.budget.downgrade_threshold", 0.80)
	v.SetDefault("governance.budget.hard_stop_threshold", 1.0)
	v.SetDefault("governance.budget.allow_downgrade", true)
	v.SetDefault("governance.budget.primary_model", "large-v3")
	v.SetDefault("governance.budget.downgrade_model", "small-v3")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing every invalid field, before any state mutation.
func Validate(bc *Bootstrap) error {
	var invalid []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		invalid = append(invalid, "data.database.source (MYSQL_DSN) is required")
	}

	if g := bc.Governance; g == nil {
		invalid = append(invalid, "governance section is required")
	} else {
		if c := g.Circuit; c != nil {
			if c.FailureThreshold <= 0 {
				invalid = append(invalid, "governance.circuit.failure_threshold must be positive")
			}
			if c.SuccessThreshold <= 0 {
				invalid = append(invalid, "governance.circuit.success_threshold must be positive")
			}
			if c.OpenTimeout.AsDuration() <= 0 {
				invalid = append(invalid, "governance.circuit.open_timeout must be positive")
			}
			if c.HalfOpenTimeout.AsDuration() <= 0 {
				invalid = append(invalid, "governance.circuit.half_open_timeout must be positive")
			}
		}
		if bp := g.Backpressure; bp != nil {
			for name, threshold := range bp.Thresholds {
				if threshold <= 0 {
					invalid = append(invalid, fmt.Sprintf("governance.backpressure.thresholds.%s must be positive", name))
				}
			}
			if bp.TokenCapBaseline <= 0 {
				invalid = append(invalid, "governance.backpressure.token_cap_baseline must be positive")
			}
		}
		if b := g.Budget; b != nil {
			if b.MonthlyUSD <= 0 {
				invalid = append(invalid, "governance.budget.monthly_usd must be positive")
			}
			if b.DowngradeThreshold <= 0 || b.DowngradeThreshold > 1 {
				invalid = append(invalid, "governance.budget.downgrade_threshold must be in (0, 1]")
			}
			if b.HardStopThreshold <= 0 {
				invalid = append(invalid, "governance.budget.hard_stop_threshold must be positive")
			}
			if b.HardStopThreshold < b.DowngradeThreshold {
				invalid = append(invalid, "governance.budget.hard_stop_threshold must be >= downgrade_threshold")
			}
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, "; "))
	}

	return nil
}
