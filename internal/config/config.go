package config

import (
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// Config holds the operational policy of the controller. The spec-level knobs
// (attempt ceiling, backoff curve, sweep interval) are deliberately
// configuration, not constants.
type Config struct {
	// FetcherImage is the container image of the delegated dataset fetcher
	FetcherImage string `json:"fetcherImage"`

	// CacheDir is the hostPath directory on each node where datasets are materialized
	CacheDir string `json:"cacheDir"`

	// AgentPort is the port of the node-local cache agent probed by the presence oracle
	AgentPort int `json:"agentPort"`

	// AttemptCeiling is the maximum number of fetch jobs per pod before the
	// workload is marked failed with the gate left in place
	AttemptCeiling int `json:"attemptCeiling"`

	// RetryBackoffBase and RetryBackoffMax bound the exponential backoff
	// between fetch attempts
	RetryBackoffBase metav1.Duration `json:"retryBackoffBase"`
	RetryBackoffMax  metav1.Duration `json:"retryBackoffMax"`

	// SweepInterval is the cache resync period, the safety net for missed or
	// coalesced watch events
	SweepInterval metav1.Duration `json:"sweepInterval"`

	// JobTTLSeconds garbage-collects finished fetch jobs
	JobTTLSeconds int32 `json:"jobTTLSeconds"`

	// JobActiveDeadlineSeconds bounds a single fetch attempt
	JobActiveDeadlineSeconds int64 `json:"jobActiveDeadlineSeconds"`
}

func NewDefaultConfig() *Config {
	return &Config{
		FetcherImage:             "ghcr.io/kube-cache/fetcher:latest",
		CacheDir:                 "/var/lib/kube-cache",
		AgentPort:                9797,
		AttemptCeiling:           3,
		RetryBackoffBase:         metav1.Duration{Duration: 3 * time.Second},
		RetryBackoffMax:          metav1.Duration{Duration: 60 * time.Second},
		SweepInterval:            metav1.Duration{Duration: 5 * time.Minute},
		JobTTLSeconds:            300,
		JobActiveDeadlineSeconds: 1800,
	}
}

func LoadConfig(filename string) (*Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return NewDefaultConfig(), err
	}
	if err := cfg.Validate(); err != nil {
		return NewDefaultConfig(), err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AttemptCeiling < 1 {
		return fmt.Errorf("attemptCeiling must be at least 1, got %d", c.AttemptCeiling)
	}
	if c.RetryBackoffBase.Duration <= 0 || c.RetryBackoffMax.Duration < c.RetryBackoffBase.Duration {
		return fmt.Errorf("retry backoff window [%s, %s] is not valid",
			c.RetryBackoffBase.Duration, c.RetryBackoffMax.Duration)
	}
	if c.FetcherImage == "" {
		return fmt.Errorf("fetcherImage must not be empty")
	}
	return nil
}
