// Package concurrency bounds the shard worker fan-out and protects shared
// downstream services from overload.
package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds concurrency configuration parameters. Shard classification is
// CPU-bound, so the defaults track the effective CPU count rather than an IO
// multiplier.
type Config struct {
	// MaxConcurrent caps the number of shards classified at once.
	MaxConcurrent int

	// Workers is the preferred shard count when the caller does not fix one.
	Workers int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority:
// environment variables > auto-detection.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxConcurrent := getEnvInt("JMINDEX_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("JMINDEX_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if workers := getEnvInt("JMINDEX_WORKERS", 0); workers > 0 {
		config.Workers = workers
	} else {
		config.Workers = config.MaxConcurrent
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes.
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers.
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxConcurrent returns sensible defaults based on environment.
// Classification saturates a core per shard, so there is no benefit in
// oversubscribing the way an IO-bound pool would.
func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus
	}
	return max(cpus, 2)
}

// getEnvInt retrieves an integer from an environment variable with a
// default fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, Workers: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.Workers,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
