// Package config loads an experiment file and builds the collaborators of
// the controller from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/protein"
	"github.com/thalesfsp/protein/controller"
	"github.com/thalesfsp/protein/dispatcher"
	"github.com/thalesfsp/protein/internal/logging"
	"github.com/thalesfsp/protein/internal/tracing"
	"github.com/thalesfsp/protein/scheduler"
	"github.com/thalesfsp/protein/store"
)

// EnvPrefix prefixes the environment variables that override file values,
// e.g. PROTEIN_STORE_DSN for store.dsn.
const EnvPrefix = "PROTEIN"

// Valid configuration values
var (
	validStores = map[string]bool{
		"": true, "memory": true, "sqlite": true, "postgres": true, "mlflow": true,
	}
	validDispatchers = map[string]bool{
		"": true, "local": true,
	}
)

// MetricsConfig configures the status server
type MetricsConfig struct {
	// Listen is the address of the status server; empty disables it
	Listen string `mapstructure:"listen"`
}

// Config is a whole experiment definition
type Config struct {
	Scheduler scheduler.Config `mapstructure:",squash"`

	MaxParallelTraining    int              `mapstructure:"max_parallel_training"`
	PollInterval           time.Duration    `mapstructure:"poll_interval"`
	HeartbeatInterval      time.Duration    `mapstructure:"heartbeat_interval"`
	MaxConsecutiveFailures int              `mapstructure:"max_consecutive_failures"`
	Retry                  controller.Retry `mapstructure:"retry"`

	// StateDir keeps the scheduler state in files instead of the store
	StateDir string `mapstructure:"state_dir"`

	Protein    protein.Config    `mapstructure:"protein"`
	Store      store.Config      `mapstructure:"store"`
	Dispatcher dispatcher.Config `mapstructure:"dispatcher"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
	Log        logging.Config    `mapstructure:"log"`

	// Case and dots are significant in these, so they are read with yaml
	// instead of viper.
	Parameters map[string]protein.ParameterConfig `mapstructure:"-"`
	Fill       map[string]any                     `mapstructure:"-"`
}

// verbatim holds the sections viper would lowercase or split on dots
type verbatim struct {
	Parameters yaml.Node      `yaml:"parameters"`
	Fill       map[string]any `yaml:"fill"`
	Train      struct {
		Overrides map[string]string `yaml:"overrides"`
	} `yaml:"train"`
	Eval struct {
		Overrides map[string]string `yaml:"overrides"`
	} `yaml:"eval"`
}

// SetDefaults registers the default of every key on v. Keys need a default
// for environment variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	loop := controller.DefaultAdaptiveConfig()
	opt := protein.DefaultConfig()

	v.SetDefault("experiment_id", "")
	v.SetDefault("max_trials", 0)
	v.SetDefault("batch_size", 4)
	v.SetDefault("score_key", "score")
	v.SetDefault("cost_key", "cost")
	v.SetDefault("dispatch_confirm_timeout", scheduler.DefaultDispatchConfirmTimeout)

	v.SetDefault("max_parallel_training", loop.MaxParallelTraining)
	v.SetDefault("poll_interval", loop.PollInterval)
	v.SetDefault("heartbeat_interval", loop.HeartbeatInterval)
	v.SetDefault("max_consecutive_failures", loop.MaxConsecutiveFailures)
	v.SetDefault("retry.max_attempts", loop.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", loop.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", loop.Retry.MaxBackoff)
	v.SetDefault("retry.multiplier", loop.Retry.Multiplier)
	v.SetDefault("state_dir", "")

	v.SetDefault("protein.max_suggestion_cost", opt.MaxSuggestionCost)
	v.SetDefault("protein.resample_frequency", opt.ResampleFrequency)
	v.SetDefault("protein.num_random_samples", opt.NumRandomSamples)
	v.SetDefault("protein.global_search_scale", opt.GlobalSearchScale)
	v.SetDefault("protein.random_suggestions", opt.RandomSuggestions)
	v.SetDefault("protein.suggestions_per_pareto", opt.SuggestionsPerPareto)
	v.SetDefault("protein.expansion_rate", opt.ExpansionRate)
	v.SetDefault("protein.acquisition_fn", string(opt.AcquisitionFn))
	v.SetDefault("protein.ucb_beta", opt.UCBBeta)
	v.SetDefault("protein.randomize_acquisition", opt.RandomizeAcquisition)
	v.SetDefault("protein.seed_with_search_center", opt.SeedWithSearchCenter)
	v.SetDefault("protein.exploration_rate", opt.ExplorationRate)
	v.SetDefault("protein.fit_on_pareto_only", opt.FitOnParetoOnly)
	v.SetDefault("protein.failure_penalty", opt.FailurePenalty)
	v.SetDefault("protein.pareto_eps", opt.ParetoEps)
	v.SetDefault("protein.lengthscale", opt.Lengthscale)
	v.SetDefault("protein.seed", opt.Seed)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "protein.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.mlflow.tracking_uri", "")
	v.SetDefault("store.mlflow.token", "")
	v.SetDefault("store.mlflow.profile", "")
	v.SetDefault("store.mlflow.experiment_id", "")

	v.SetDefault("dispatcher.type", "local")
	v.SetDefault("dispatcher.log_dir", "logs")
	v.SetDefault("dispatcher.work_dir", "")
	v.SetDefault("dispatcher.rate_limit", 0)
	v.SetDefault("dispatcher.burst", 1)
	v.SetDefault("dispatcher.min_available_memory_mb", 0)

	v.SetDefault("metrics.listen", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "protein")

	v.SetDefault("log.verbosity", 0)
	v.SetDefault("log.json", false)
}

// Load reads the experiment file at path into v and decodes it. Values are
// resolved flag first, then PROTEIN_ environment variable, then file, then
// default. A nil v uses a fresh viper instance.
func Load(path string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	var raw verbatim
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	c.Parameters = make(map[string]protein.ParameterConfig)
	if err := decodeParameters(&raw.Parameters, "", c.Parameters); err != nil {
		return nil, err
	}

	c.Fill = raw.Fill
	c.Scheduler.Train.Overrides = raw.Train.Overrides
	c.Scheduler.Eval.Overrides = raw.Eval.Overrides

	return &c, nil
}

// decodeParameters walks the nested parameters section. A mapping with a
// distribution key is a leaf; its path joined with dots names the
// hyperparameter.
func decodeParameters(node *yaml.Node, prefix string, out map[string]protein.ParameterConfig) error {
	if node.Kind == 0 {
		return nil
	}

	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("parameters %q: expected a mapping, line %d", prefix, node.Line)
	}

	if isLeaf(node) {
		if prefix == "" {
			return errors.New("parameters: a leaf needs a name")
		}

		var pc protein.ParameterConfig
		if err := node.Decode(&pc); err != nil {
			return fmt.Errorf("parameters %q: %w", prefix, err)
		}

		out[prefix] = pc

		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if prefix != "" {
			name = prefix + "." + name
		}

		if err := decodeParameters(node.Content[i+1], name, out); err != nil {
			return err
		}
	}

	return nil
}

func isLeaf(node *yaml.Node) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "distribution" {
			return true
		}
	}

	return false
}

// AdaptiveConfig returns the controller loop settings
func (c *Config) AdaptiveConfig() controller.AdaptiveConfig {
	return controller.AdaptiveConfig{
		ExperimentID:           c.Scheduler.ExperimentID,
		MaxParallelTraining:    c.MaxParallelTraining,
		PollInterval:           c.PollInterval,
		Retry:                  c.Retry,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		HeartbeatInterval:      c.HeartbeatInterval,
	}
}

// Validate checks every section and builds the search space, so a bad file
// fails before anything is dispatched.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := c.AdaptiveConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Parameters) == 0 {
		errs = append(errs, errors.New("parameters: at least one hyperparameter is required"))
	} else if _, err := protein.New(c.Parameters, c.Protein); err != nil {
		errs = append(errs, err)
	}

	if !validStores[c.Store.Type] {
		errs = append(errs, fmt.Errorf("invalid store type: %s (valid: memory, sqlite, postgres, mlflow)", c.Store.Type))
	}

	if c.Store.Type == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for postgres"))
	}

	if c.Store.Type == "mlflow" && c.Store.MLflow.ExperimentID == "" {
		errs = append(errs, errors.New("store.mlflow.experiment_id is required for mlflow"))
	}

	if !validDispatchers[c.Dispatcher.Type] {
		errs = append(errs, fmt.Errorf("invalid dispatcher type: %s (valid: local)", c.Dispatcher.Type))
	}

	if c.Dispatcher.RateLimit < 0 {
		errs = append(errs, errors.New("dispatcher.rate_limit must not be negative"))
	}

	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}
