package config

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "/etc/kubilitics/anomaly.yaml"

// Store types.
const (
	StorageFile = "file"
	StorageS3   = "s3"
	StorageNone = "none"

	TrackingSQLite   = "sqlite"
	TrackingPostgres = "postgres"
	TrackingDisabled = "disabled"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 9090
	cfg.Server.ShutdownTimeoutSeconds = 15
	cfg.Server.RateLimitPerMinute = 600

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	// Model defaults
	cfg.Model.Contamination = 0.05
	cfg.Model.NumTrees = 100
	cfg.Model.SubSampleSize = 256
	cfg.Model.Seed = 42

	// Training defaults
	cfg.Training.MinSamples = 10
	cfg.Training.PersistModels = true
	cfg.Training.RestoreOnStart = true
	cfg.Training.RetrainProbability = 0.05
	cfg.Training.HistorySize = 1000

	// Severity defaults
	cfg.Severity.Low = 0.8
	cfg.Severity.High = 1.5

	// Storage defaults
	cfg.Storage.Type = StorageFile
	cfg.Storage.Dir = "/var/lib/kubilitics/anomaly/models"

	// Tracking defaults
	cfg.Tracking.Type = TrackingSQLite
	cfg.Tracking.SQLitePath = "/var/lib/kubilitics/anomaly/tracking.db"

	// Remediation advisor defaults
	cfg.Remediation.Advisor.APIKeyEnv = "OPENAI_API_KEY"
	cfg.Remediation.Advisor.Model = "gpt-4o-mini"
	cfg.Remediation.Advisor.BaseURL = "https://api.openai.com/v1"
	cfg.Remediation.Advisor.MaxTokens = 200
	cfg.Remediation.Advisor.Temperature = 0.3
	cfg.Remediation.Advisor.TimeoutSeconds = 15
	cfg.Remediation.Advisor.CacheTTLSeconds = 3600
	cfg.Remediation.Advisor.CacheSize = 256

	// Stream defaults
	cfg.Stream.QueueSize = 256
	cfg.Stream.ClientBuffer = 64

	// Tracing defaults
	cfg.Tracing.SampleRate = 1.0
	cfg.Tracing.ServiceName = "kubilitics-anomaly"

	return cfg
}
