// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration of the Wardline service.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Governance *Governance
	Auth       *Auth
	Log        *Log
}

// Server holds the transport configuration.
type Server struct {
	Http *Server_HTTP
	Grpc *Server_GRPC
}

// Server_HTTP configures the HTTP admin/ops server.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Server_GRPC configures the gRPC ops server.
type Server_GRPC struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds the storage configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database configures the MySQL connection.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis configures the Redis connection.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Governance holds the control-plane thresholds for the three controllers.
type Governance struct {
	Circuit      *Governance_Circuit
	Backpressure *Governance_Backpressure
	Budget       *Governance_Budget
}

// Governance_Circuit holds the default per-dependency breaker settings.
// Individual dependencies may override them at GetOrCreate time.
type Governance_Circuit struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      *durationpb.Duration
	HalfOpenTimeout  *durationpb.Duration
}

// Governance_Backpressure holds per-metric thresholds and the serving
// token-cap baseline the reduce_input_tokens action cuts from.
type Governance_Backpressure struct {
	// Thresholds maps metric name (latency_p95, queue_depth, token_queue)
	// to its trigger threshold.
	Thresholds       map[string]float64
	TokenCapBaseline int64
}

// Governance_Budget holds the monthly budget and escalation fractions.
type Governance_Budget struct {
	MonthlyUSD         float64
	DowngradeThreshold float64
	HardStopThreshold  float64
	AllowDowngrade     bool
	PrimaryModel       string
	DowngradeModel     string
}

// Auth holds the admin-surface authentication settings.
type Auth struct {
	AdminToken string
}

// Log holds the logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
