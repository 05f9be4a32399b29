package scheduler

import "time"

// Config is the per-iteration view of a queue's settings. The loop asks for a
// fresh Config on every iteration and every poll instead of caching one.
type Config struct {
	AutostartEnabled bool          `mapstructure:"autostart_enabled" json:"autostart_enabled"`
	CPUBudget        int           `mapstructure:"cpu_budget" json:"cpu_budget"`
	PollInterval     time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	LaunchInterval   time.Duration `mapstructure:"launch_interval" json:"launch_interval"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		AutostartEnabled: false,
		CPUBudget:        2,
		PollInterval:     5 * time.Second,
		SweepInterval:    60 * time.Second,
	}
}

// Budget clamps CPUBudget to [1, cpus].
func (c Config) Budget(cpus int) int {
	b := c.CPUBudget
	if cpus > 0 && b > cpus {
		b = cpus
	}
	if b < 1 {
		b = 1
	}
	return b
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultConfig().PollInterval
	}
	return c.PollInterval
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return DefaultConfig().SweepInterval
	}
	return c.SweepInterval
}
