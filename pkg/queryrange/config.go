package queryrange

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// DefaultSplitDuration is the wall-clock coverage of one partition before
// step alignment. One minute keeps partial results flowing to dashboards at
// a comfortable cadence for typical step sizes.
const DefaultSplitDuration = time.Minute

// Config is the configuration block for the split query engine.
type Config struct {
	SplitDuration time.Duration `yaml:"split_duration"`
	MaxSamples    int           `yaml:"max_samples"`
}

// RegisterFlags registers the flags for the split query engine.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers the flags for the split query engine with a prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.SplitDuration, prefix+"split-duration", DefaultSplitDuration, "Ideal wall-clock duration covered by one partition of a split query.")
	f.IntVar(&cfg.MaxSamples, prefix+"max-samples", 0, "Stop executing older partitions once the accumulated response holds at least this many samples. 0 to disable.")
}

// Validate validates the split query engine settings.
func (cfg *Config) Validate() error {
	if cfg.SplitDuration < time.Millisecond {
		return errors.Errorf("invalid split duration: %s, must be at least 1ms", cfg.SplitDuration)
	}
	if cfg.MaxSamples < 0 {
		return errors.Errorf("invalid max samples: %d, must not be negative", cfg.MaxSamples)
	}
	return nil
}

// Limits provides the per-query result limits the engine enforces while
// accumulating partial responses.
type Limits interface {
	// MaxQuerySamples returns the maximum number of accumulated samples
	// before the engine stops executing older partitions. Zero disables
	// the limit.
	MaxQuerySamples() int
}

// MaxQuerySamples implements Limits from the static configuration.
func (cfg *Config) MaxQuerySamples() int {
	return cfg.MaxSamples
}
