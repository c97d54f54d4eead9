package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for all churnguard batch tasks.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging" json:"logging"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage" json:"storage"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot" json:"snapshot"`
	Drift    DriftConfig    `mapstructure:"drift" yaml:"drift" json:"drift"`
	Policy   PolicyConfig   `mapstructure:"policy" yaml:"policy" json:"policy"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry" json:"registry"`
	Scorer   ScorerConfig   `mapstructure:"scorer" yaml:"scorer" json:"scorer"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
}

// StorageConfig locates the durable state of the engine
type StorageConfig struct {
	// StateDir holds the badger database (snapshots, drift reports, registry metadata)
	StateDir string `mapstructure:"state_dir" yaml:"state_dir" json:"state_dir"`
	// ArtifactsDir holds immutable model artifact blobs
	ArtifactsDir string `mapstructure:"artifacts_dir" yaml:"artifacts_dir" json:"artifacts_dir"`
	// ReportsDir receives exported drift report JSON files
	ReportsDir string `mapstructure:"reports_dir" yaml:"reports_dir" json:"reports_dir"`
	// PredictionsDir receives batch prediction files and the latest pointer
	PredictionsDir string `mapstructure:"predictions_dir" yaml:"predictions_dir" json:"predictions_dir"`
}

// SnapshotConfig controls reference snapshot construction
type SnapshotConfig struct {
	// Bins is the number of quantile bins for numeric features (10 = deciles)
	Bins int `mapstructure:"bins" yaml:"bins" json:"bins"`
	// MinReferenceRows is the smallest reference sample that yields stable bin edges
	MinReferenceRows int `mapstructure:"min_reference_rows" yaml:"min_reference_rows" json:"min_reference_rows"`
	// MinCategoryCount collapses rarer categories into the "other" bucket
	MinCategoryCount int `mapstructure:"min_category_count" yaml:"min_category_count" json:"min_category_count"`
}

// DriftConfig controls PSI computation and flagging
type DriftConfig struct {
	ModerateThreshold    float64 `mapstructure:"moderate_threshold" yaml:"moderate_threshold" json:"moderate_threshold"`
	SignificantThreshold float64 `mapstructure:"significant_threshold" yaml:"significant_threshold" json:"significant_threshold"`
	// AggregateThreshold flags the whole window when the mean PSI exceeds it
	AggregateThreshold float64 `mapstructure:"aggregate_threshold" yaml:"aggregate_threshold" json:"aggregate_threshold"`
	// MinFlaggedFeatures flags the whole window when at least this many features drift
	MinFlaggedFeatures int `mapstructure:"min_flagged_features" yaml:"min_flagged_features" json:"min_flagged_features"`
	// MinWindowRows is the statistical validity floor for the current window
	MinWindowRows int `mapstructure:"min_window_rows" yaml:"min_window_rows" json:"min_window_rows"`
	// Epsilon floors bin proportions before the PSI ratio/log
	Epsilon float64 `mapstructure:"epsilon" yaml:"epsilon" json:"epsilon"`
}

// PolicyConfig controls the retraining decision
type PolicyConfig struct {
	// PrimaryMetric is the headline comparison metric (higher is better)
	PrimaryMetric string `mapstructure:"primary_metric" yaml:"primary_metric" json:"primary_metric"`
	// DegradationTolerance is the accepted drop of the primary metric before the
	// performance signal fires
	DegradationTolerance float64 `mapstructure:"degradation_tolerance" yaml:"degradation_tolerance" json:"degradation_tolerance"`
	// MaxTrainingInterval fires the schedule signal once the production model is older
	MaxTrainingInterval time.Duration `mapstructure:"max_training_interval" yaml:"max_training_interval" json:"max_training_interval"`
	// Cooldown suppresses repeat triggers after a trigger was stamped
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
	// TrainingDeadline marks a training job FAILED once exceeded
	TrainingDeadline time.Duration `mapstructure:"training_deadline" yaml:"training_deadline" json:"training_deadline"`
}

// RegistryConfig controls model promotion
type RegistryConfig struct {
	// PrimaryMetric used to compare a candidate with the incumbent
	PrimaryMetric string `mapstructure:"primary_metric" yaml:"primary_metric" json:"primary_metric"`
	// RegressionTolerance is the accepted primary-metric drop on promotion
	RegressionTolerance float64 `mapstructure:"regression_tolerance" yaml:"regression_tolerance" json:"regression_tolerance"`
}

// ScorerConfig controls batch scoring output
type ScorerConfig struct {
	// TopK additionally writes a small high-risk preview file; 0 disables it
	TopK int `mapstructure:"top_k" yaml:"top_k" json:"top_k"`
}

// LoadConfig loads configuration from an optional yaml file plus CHURNGUARD_*
// environment variables, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHURNGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("churnguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/churnguard")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		// No file is fine: defaults plus environment
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("storage.state_dir", "data/state")
	v.SetDefault("storage.artifacts_dir", "data/artifacts")
	v.SetDefault("storage.reports_dir", "data/reports")
	v.SetDefault("storage.predictions_dir", "data/predictions")

	v.SetDefault("snapshot.bins", 10)
	v.SetDefault("snapshot.min_reference_rows", 100)
	v.SetDefault("snapshot.min_category_count", 5)

	v.SetDefault("drift.moderate_threshold", 0.1)
	v.SetDefault("drift.significant_threshold", 0.25)
	v.SetDefault("drift.aggregate_threshold", 0.25)
	v.SetDefault("drift.min_flagged_features", 3)
	v.SetDefault("drift.min_window_rows", 50)
	v.SetDefault("drift.epsilon", 1e-4)

	v.SetDefault("policy.primary_metric", "pr_auc")
	v.SetDefault("policy.degradation_tolerance", 0.05)
	v.SetDefault("policy.max_training_interval", 30*24*time.Hour)
	v.SetDefault("policy.cooldown", 24*time.Hour)
	v.SetDefault("policy.training_deadline", 2*time.Hour)

	v.SetDefault("registry.primary_metric", "pr_auc")
	v.SetDefault("registry.regression_tolerance", 0.01)

	v.SetDefault("scorer.top_k", 50)
}

// Validate rejects configurations that would produce meaningless statistics
// or disable the safety behaviour of the engine.
func (c *Config) Validate() error {
	if c.Snapshot.Bins < 2 {
		return fmt.Errorf("snapshot.bins must be at least 2, got %d", c.Snapshot.Bins)
	}
	if c.Snapshot.MinReferenceRows < c.Snapshot.Bins {
		return fmt.Errorf("snapshot.min_reference_rows (%d) must be at least snapshot.bins (%d)",
			c.Snapshot.MinReferenceRows, c.Snapshot.Bins)
	}
	if c.Snapshot.MinCategoryCount < 0 {
		return fmt.Errorf("snapshot.min_category_count must not be negative")
	}
	if c.Drift.Epsilon <= 0 || c.Drift.Epsilon >= 0.01 {
		return fmt.Errorf("drift.epsilon must be in (0, 0.01), got %g", c.Drift.Epsilon)
	}
	if c.Drift.ModerateThreshold <= 0 || c.Drift.SignificantThreshold <= c.Drift.ModerateThreshold {
		return fmt.Errorf("drift thresholds must satisfy 0 < moderate < significant, got %g and %g",
			c.Drift.ModerateThreshold, c.Drift.SignificantThreshold)
	}
	if c.Drift.AggregateThreshold <= 0 {
		return fmt.Errorf("drift.aggregate_threshold must be positive")
	}
	if c.Drift.MinFlaggedFeatures < 1 {
		return fmt.Errorf("drift.min_flagged_features must be at least 1")
	}
	if c.Drift.MinWindowRows < 1 {
		return fmt.Errorf("drift.min_window_rows must be at least 1")
	}
	if c.Policy.PrimaryMetric == "" {
		return fmt.Errorf("policy.primary_metric must be set")
	}
	if c.Policy.DegradationTolerance < 0 {
		return fmt.Errorf("policy.degradation_tolerance must not be negative")
	}
	if c.Policy.MaxTrainingInterval <= 0 {
		return fmt.Errorf("policy.max_training_interval must be positive")
	}
	if c.Policy.Cooldown <= 0 {
		return fmt.Errorf("policy.cooldown must be positive")
	}
	if c.Policy.TrainingDeadline <= 0 {
		return fmt.Errorf("policy.training_deadline must be positive")
	}
	if c.Registry.PrimaryMetric == "" {
		return fmt.Errorf("registry.primary_metric must be set")
	}
	if c.Registry.RegressionTolerance < 0 {
		return fmt.Errorf("registry.regression_tolerance must not be negative")
	}
	if c.Scorer.TopK < 0 {
		return fmt.Errorf("scorer.top_k must not be negative")
	}
	return nil
}
