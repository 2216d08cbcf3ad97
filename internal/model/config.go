// Package model defines the data structures for graphflow's configuration,
// goals, operations, and patches.
package model

import "strings"

type Config struct {
	Project      ProjectConfig      `yaml:"project"`
	Daemon       DaemonConfig       `yaml:"daemon"`
	Queue        QueueConfig        `yaml:"queue"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Events       EventsConfig       `yaml:"events"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type DaemonConfig struct {
	TickIntervalMs     int `yaml:"tick_interval_ms"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type QueueConfig struct {
	CoalesceWindowMs int `yaml:"coalesce_window_ms"`
	BatchMax         int `yaml:"batch_max"`
}

type ExecutorConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

type ContinuationConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type BridgeConfig struct {
	ApplyURL   string `yaml:"apply_url"`
	PlannerURL string `yaml:"planner_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type EventsConfig struct {
	MaxLogSize int64 `yaml:"max_log_size"`
	Checksum   bool  `yaml:"checksum"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
