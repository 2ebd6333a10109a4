package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// ReconcileAfter is how long a session may stay unsettled before the
	// sweeper asks the gateway about it.
	ReconcileAfter  time.Duration
	ReconcileWindow time.Duration
	JobTimeout      time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     5 * time.Minute,
		BatchSize:       50,
		ReconcileAfter:  15 * time.Minute,
		ReconcileWindow: 48 * time.Hour,
		JobTimeout:      2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = defaults.ReconcileAfter
	}
	if c.ReconcileWindow <= c.ReconcileAfter {
		c.ReconcileWindow = c.ReconcileAfter + defaults.ReconcileWindow
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	var jobs []string
	for _, job := range strings.Split(cfg.SchedulerJobs, ",") {
		if job = strings.TrimSpace(job); job != "" {
			jobs = append(jobs, job)
		}
	}
	return Config{
		RunInterval:     cfg.Payments.ReconcileInterval,
		BatchSize:       cfg.Payments.ReconcileBatch,
		ReconcileAfter:  cfg.Payments.ReconcileAfter,
		ReconcileWindow: cfg.Payments.ReconcileWindow,
		EnabledJobs:     jobs,
	}.withDefaults()
}
