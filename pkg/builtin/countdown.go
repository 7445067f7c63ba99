package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/taskd/pkg/job"
	"github.com/3leaps/taskd/pkg/plugin"
)

// countdownConfig is shared by the declared configuration and the launch
// parameters; parameters win.
type countdownConfig struct {
	// Phases is the number of main phases.
	// Default: 1
	Phases int `mapstructure:"phases" validate:"gte=1,lte=1000"`

	// Steps is the number of sub steps per phase.
	// Default: 10
	Steps int `mapstructure:"steps" validate:"gte=1,lte=1000000"`

	// Interval is the pause before each step.
	// Default: 100ms
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`

	// FailAt fails the job at the given overall step; zero never fails.
	FailAt int `mapstructure:"fail_at" validate:"gte=0"`

	// Exclusive forbids two live countdowns with the same name.
	Exclusive bool `mapstructure:"exclusive"`
}

// Countdown is a phased job that only sleeps and reports progress. It is
// the smoke test of a deployment and a load generator for the registry.
type Countdown struct {
	name string
	cfg  countdownConfig
}

var (
	_ job.Plugin    = (*Countdown)(nil)
	_ job.Describer = (*Countdown)(nil)
)

// Configure implements plugin.Plugin.
func (c *Countdown) Configure(name string, cfg *viper.Viper) error {
	c.name = name
	c.cfg = countdownConfig{Phases: 1, Steps: 10, Interval: 100 * time.Millisecond}
	if err := plugin.Decode(cfg, &c.cfg); err != nil {
		return err
	}
	return validate.Struct(c.cfg)
}

// Traits implements job.Describer.
func (c *Countdown) Traits() job.Traits {
	return job.Traits{Exclusive: c.cfg.Exclusive, DelayTolerant: true}
}

// Run implements job.Runner.
func (c *Countdown) Run(ctx context.Context, j *job.Job) error {
	cfg := c.cfg
	if err := j.DecodeParams(&cfg); err != nil {
		return fmt.Errorf("countdown params: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("countdown params: %w", err)
	}

	step := 0
	for phase := 1; phase <= cfg.Phases; phase++ {
		if cfg.Phases > 1 && !j.UpdateMain(int64(phase), int64(cfg.Phases)) {
			return nil
		}
		j.SetMessage(fmt.Sprintf("phase %d", phase))

		for i := 1; i <= cfg.Steps; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}

			step++
			if cfg.FailAt > 0 && step == cfg.FailAt {
				return fmt.Errorf("countdown failed at step %d", step)
			}
			if !j.UpdateSub(int64(i), int64(cfg.Steps)) {
				return nil
			}
		}
	}

	j.Logger().Debug("Countdown finished", zap.Int("steps", step))
	return nil
}
