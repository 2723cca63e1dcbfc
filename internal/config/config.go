package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all Ralph harness configuration
type Config struct {
	Provider     string             `mapstructure:"provider"`
	Claude       ClaudeConfig       `mapstructure:"claude"`
	OpenCode     OpenCodeConfig     `mapstructure:"opencode"`
	Safety       SafetyConfig       `mapstructure:"safety"`
	Repo         RepoConfig         `mapstructure:"repo"`
	Tasks        TasksConfig        `mapstructure:"tasks"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Loop         LoopConfig         `mapstructure:"loop"`
	Verification VerificationConfig `mapstructure:"verification"`
	Prdset       PrdsetConfig       `mapstructure:"prdset"`
	Events       EventsConfig       `mapstructure:"events"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ClaudeConfig holds Claude Code invocation settings
type ClaudeConfig struct {
	Command []string `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// OpenCodeConfig holds OpenCode invocation settings
type OpenCodeConfig struct {
	Command []string `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}


// SafetyConfig holds safety and sandbox settings
type SafetyConfig struct {
	Sandbox         bool     `mapstructure:"sandbox"`
	AllowedCommands []string `mapstructure:"allowed_commands"`
}

// RepoConfig holds repository-level settings.
type RepoConfig struct {
	Root         string `mapstructure:"root"`
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// TasksConfig holds task store location settings.
type TasksConfig struct {
	Backend      string `mapstructure:"backend"`
	Path         string `mapstructure:"path"`
	ParentIDFile string `mapstructure:"parent_id_file"`
	MaxRetries   int    `mapstructure:"max_retries"`
}

// MemoryConfig holds progress-file and archive settings.
type MemoryConfig struct {
	ProgressFile        string `mapstructure:"progress_file"`
	ArchiveDir          string `mapstructure:"archive_dir"`
	MaxProgressBytes    int    `mapstructure:"max_progress_bytes"`
	MaxRecentIterations int    `mapstructure:"max_recent_iterations"`
}

// GutterConfig holds gutter (stuck-loop) detection thresholds.
type GutterConfig struct {
	MaxSameFailure    int  `mapstructure:"max_same_failure"`
	MaxChurnCommits   int  `mapstructure:"max_churn_commits"`
	MaxOscillations   int  `mapstructure:"max_oscillations"`
	EnableContentHash bool `mapstructure:"enable_content_hash"`
}

// LoopConfig holds iteration-loop limits, including the handoff and
// context-budget thresholds that trigger a memory handoff between runs.
type LoopConfig struct {
	MaxIterations          int          `mapstructure:"max_iterations"`
	MaxMinutesPerIteration int          `mapstructure:"max_minutes_per_iteration"`
	MaxRetries             int          `mapstructure:"max_retries"`
	MaxVerificationRetries int          `mapstructure:"max_verification_retries"`
	HandoffInterval        int          `mapstructure:"handoff_interval"`
	ContextThreshold       float64      `mapstructure:"context_threshold"`
	ContextWindowSize      int          `mapstructure:"context_window_size"`
	Gutter                 GutterConfig `mapstructure:"gutter"`
}

// VerificationConfig holds config-level verification commands run in
// addition to whatever a task itself declares.
type VerificationConfig struct {
	Commands [][]string `mapstructure:"commands"`
}

// PrdsetConfig holds PRD-Set Orchestrator dispatch settings.
type PrdsetConfig struct {
	MaxConcurrent     int `mapstructure:"max_concurrent"`
	ParallelThreshold int `mapstructure:"parallel_threshold"`
}

// EventsConfig holds Event Bus settings.
type EventsConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

// MetricsConfig holds Metrics Bridge settings.
type MetricsConfig struct {
	FlushIntervalSeconds int `mapstructure:"flush_interval_seconds"`
}

// LoadConfigWithFile loads configuration from a specific file if provided.
// Otherwise it uses LoadConfig when ralph.yaml exists in the working
// directory, and the global config path when it does not.
func LoadConfigWithFile(workDir, configFile string) (*Config, error) {
	if configFile != "" {
		return LoadConfigFromPath(configFile)
	}

	localPath := filepath.Join(workDir, "ralph.yaml")
	if _, err := os.Stat(localPath); err == nil {
		return LoadConfig(workDir)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	globalPath, err := GlobalConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadConfigFromPath(globalPath)
}

// LoadConfig loads configuration from ralph.yaml in the given directory.
// If no config file exists, sensible defaults are returned.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigName("ralph")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	// Read config file (ignore not found errors)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfigFromPath loads configuration from a specific file path
func LoadConfigFromPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Check if file exists
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			cfg := &Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Configure viper to read from specific file
	v.SetConfigFile(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults sets all default values for configuration
func setDefaults(v *viper.Viper) {
	// Claude defaults
	v.SetDefault("claude.command", []string{"claude"})
	v.SetDefault("claude.args", []string{})

	// OpenCode defaults
	v.SetDefault("opencode.command", []string{"opencode", "run"})
	v.SetDefault("opencode.args", []string{})

	// Provider defaults
	v.SetDefault("provider", "claude")

	// Safety defaults
	v.SetDefault("safety.sandbox", false)
	v.SetDefault("safety.allowed_commands", []string{"npm", "go", "git"})

	// Repo defaults
	v.SetDefault("repo.root", DefaultRepoRoot)
	v.SetDefault("repo.branch_prefix", DefaultBranchPrefix)

	// Tasks defaults
	v.SetDefault("tasks.backend", DefaultTasksBackend)
	v.SetDefault("tasks.path", DefaultTasksPath)
	v.SetDefault("tasks.parent_id_file", DefaultParentIDFile)
	v.SetDefault("tasks.max_retries", DefaultMaxRetries)

	// Memory defaults
	v.SetDefault("memory.progress_file", DefaultProgressFile)
	v.SetDefault("memory.archive_dir", DefaultArchiveDir)
	v.SetDefault("memory.max_progress_bytes", DefaultMaxProgressBytes)
	v.SetDefault("memory.max_recent_iterations", DefaultMaxRecentIterations)

	// Loop defaults
	v.SetDefault("loop.max_iterations", DefaultMaxIterations)
	v.SetDefault("loop.max_minutes_per_iteration", DefaultMaxMinutesPerIteration)
	v.SetDefault("loop.max_retries", DefaultMaxRetries)
	v.SetDefault("loop.max_verification_retries", DefaultMaxVerificationRetries)
	v.SetDefault("loop.handoff_interval", DefaultHandoffInterval)
	v.SetDefault("loop.context_threshold", DefaultContextThreshold)
	v.SetDefault("loop.context_window_size", DefaultContextWindowSize)
	v.SetDefault("loop.gutter.max_same_failure", DefaultMaxSameFailure)
	v.SetDefault("loop.gutter.max_churn_commits", DefaultMaxChurnCommits)
	v.SetDefault("loop.gutter.max_oscillations", DefaultMaxOscillations)
	v.SetDefault("loop.gutter.enable_content_hash", DefaultEnableContentHash)

	// Verification defaults
	v.SetDefault("verification.commands", [][]string{})

	// PRD-set defaults
	v.SetDefault("prdset.max_concurrent", DefaultPrdsetMaxConcurrent)
	v.SetDefault("prdset.parallel_threshold", DefaultPrdsetParallelThreshold)

	// Event bus defaults
	v.SetDefault("events.ring_capacity", DefaultEventsRingCapacity)

	// Metrics defaults
	v.SetDefault("metrics.flush_interval_seconds", DefaultMetricsFlushIntervalSeconds)
}
