package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seclab/vulnreview/constants"
)

// Config holds all application configuration
type Config struct {
	State  StateConfig
	Review ReviewConfig
	LLM    LLMConfig
}

// StateConfig holds paths for durable run state
type StateConfig struct {
	Dir       string // checkpoints and audit DB live under here
	OutputDir string
	AuditPath string
}

// ReviewConfig holds arbitration-related configuration
type ReviewConfig struct {
	Policy      constants.ReviewPolicy
	OnMalformed constants.MalformedPolicy
	Alpha       float64 // EWMA smoothing factor for duration estimates
}

// LLMConfig holds inference-service configuration
type LLMConfig struct {
	BaseURL      string
	Model        string
	APIKey       string
	Temperature  float32
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		State: StateConfig{
			Dir:       getEnv("VULNREVIEW_STATE_DIR", "./state"),
			OutputDir: getEnv("VULNREVIEW_OUTPUT_DIR", "./results"),
			AuditPath: getEnv("VULNREVIEW_AUDIT_DB", ""),
		},
		Review: ReviewConfig{
			Policy:      constants.ReviewPolicy(getEnv("REVIEW_POLICY", string(constants.PolicyAutoAccept))),
			OnMalformed: constants.MalformedPolicy(getEnv("ON_MALFORMED", string(constants.MalformedHalt))),
			Alpha:       getEnvAsFloat64("ESTIMATE_ALPHA", 0.3),
		},
		LLM: LLMConfig{
			BaseURL:      getEnv("LLM_BASE_URL", "http://localhost:11434/v1"),
			Model:        getEnv("LLM_MODEL", ""),
			APIKey:       getEnv("LLM_API_KEY", ""),
			Temperature:  getEnvAsFloat32("LLM_TEMPERATURE", 0.0),
			Timeout:      getEnvAsDuration("LLM_TIMEOUT", 120*time.Second),
			MaxRetries:   getEnvAsInt("LLM_MAX_RETRIES", 3),
			RetryBackoff: getEnvAsDuration("LLM_RETRY_BACKOFF", 5*time.Second),
		},
	}
}

// RunSet describes one batch: which files to process with which model
// and under which review policy. Loaded from a YAML file.
type RunSet struct {
	Name        string                    `yaml:"name"`
	Model       string                    `yaml:"model"`
	Kind        constants.RunKind         `yaml:"kind"`
	Policy      constants.ReviewPolicy    `yaml:"review_policy"`
	OnMalformed constants.MalformedPolicy `yaml:"on_malformed"`
	InputFiles  []string                  `yaml:"input_files"`
	OutputDir   string                    `yaml:"output_dir"`
}

// LoadRunSet reads and validates a run-set YAML file, filling defaults
// from cfg where the file is silent.
func LoadRunSet(path string, cfg *Config) (*RunSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run set: %w", err)
	}
	var rs RunSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("parse run set: %w", err)
	}
	if rs.Kind == "" {
		rs.Kind = constants.KindRelevance
	}
	if rs.Policy == "" {
		// Function-level runs default to a mandatory first human pass.
		if rs.Kind == constants.KindFunction {
			rs.Policy = constants.PolicyAlwaysReview
		} else {
			rs.Policy = cfg.Review.Policy
		}
	}
	if rs.OnMalformed == "" {
		rs.OnMalformed = cfg.Review.OnMalformed
	}
	if rs.OutputDir == "" {
		rs.OutputDir = cfg.State.OutputDir
	}
	return &rs, rs.Validate()
}

// Validate validates a run set
func (rs *RunSet) Validate() error {
	if rs.Model == "" {
		return NewAppError("CONFIG_ERROR", "run set: model is required", ErrInvalidInput)
	}
	if len(rs.InputFiles) == 0 {
		return NewAppError("CONFIG_ERROR", "run set: at least one input file is required", ErrInvalidInput)
	}
	if rs.Kind != constants.KindRelevance && rs.Kind != constants.KindFunction {
		return NewAppError("CONFIG_ERROR", "run set: unknown kind "+string(rs.Kind), ErrInvalidInput)
	}
	if rs.Policy != constants.PolicyAutoAccept && rs.Policy != constants.PolicyAlwaysReview {
		return NewAppError("CONFIG_ERROR", "run set: unknown review policy "+string(rs.Policy), ErrInvalidInput)
	}
	if rs.OnMalformed != constants.MalformedHalt && rs.OnMalformed != constants.MalformedSkip {
		return NewAppError("CONFIG_ERROR", "run set: unknown malformed-record policy "+string(rs.OnMalformed), ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.State.Dir == "" {
		return NewAppError("CONFIG_ERROR", "VULNREVIEW_STATE_DIR is required", ErrInvalidInput)
	}
	if c.Review.Alpha <= 0 || c.Review.Alpha > 1 {
		return NewAppError("CONFIG_ERROR", "ESTIMATE_ALPHA must be in (0, 1]", ErrInvalidInput)
	}
	if c.LLM.MaxRetries < 0 {
		return NewAppError("CONFIG_ERROR", "LLM_MAX_RETRIES must be >= 0", ErrInvalidInput)
	}
	return nil
}
