package corert

import "github.com/joeycumines/logiface"

// schedulingGroupSpec is one pre-created group requested via
// WithSchedulingGroups.
type schedulingGroupSpec struct {
	name   string
	shares uint32
}

// shardConfig holds the resolved configuration for a new Shard.
type shardConfig struct {
	debugMode               bool
	logger                  *logiface.Logger[*shardEvent]
	defaultShares           uint32
	extraGroups             []schedulingGroupSpec
	strictMicrotaskOrdering bool
}

// ShardOption configures a Shard at construction time.
type ShardOption interface {
	applyShard(*shardConfig) error
}

type shardOptionFunc func(*shardConfig) error

func (f shardOptionFunc) applyShard(c *shardConfig) error { return f(c) }

// WithDebugMode enables creation-stack capture for futures and stricter
// consumed-once checking (panics instead of log+continue on misuse),
// matching spec.md §7's "abort in debug; log+continue in release" rule.
func WithDebugMode(enabled bool) ShardOption {
	return shardOptionFunc(func(c *shardConfig) error {
		c.debugMode = enabled
		return nil
	})
}

// WithLogger sets the logiface.Logger used for report_unhandled_exception,
// report_broken_promise, and shard diagnostics. A nil logger (the default)
// falls back to a no-op logger.
func WithLogger(logger *logiface.Logger[*shardEvent]) ShardOption {
	return shardOptionFunc(func(c *shardConfig) error {
		c.logger = logger
		return nil
	})
}

// SchedulingGroupSpec names one scheduling group to pre-create via
// WithSchedulingGroups.
type SchedulingGroupSpec struct {
	Name   string
	Shares uint32
}

// WithSchedulingGroups pre-creates additional scheduling groups, beyond the
// always-present DefaultGroup, with the given names and share weights. The
// groups get GroupIDs in the order given, starting at 1. Fails
// at NewShard time if any name is empty or the fixed-size group table
// overflows.
func WithSchedulingGroups(groups ...SchedulingGroupSpec) ShardOption {
	return shardOptionFunc(func(c *shardConfig) error {
		for _, g := range groups {
			c.extraGroups = append(c.extraGroups, schedulingGroupSpec{name: g.Name, shares: g.Shares})
		}
		return nil
	})
}

// WithDefaultGroupShares sets the share weight of DefaultGroup. Defaults to 100.
func WithDefaultGroupShares(shares uint32) ShardOption {
	return shardOptionFunc(func(c *shardConfig) error {
		if shares == 0 {
			return &RangeError{Message: "corert: scheduling group shares must be positive"}
		}
		c.defaultShares = shares
		return nil
	})
}

// WithStrictMicrotaskOrdering records the teacher-style strict-ordering
// setting (default true). The shard's run loop drains the microtask queue
// fully after every single task whether or not this is set, so the setting
// does not change scheduling; there is no per-batch drain mode.
func WithStrictMicrotaskOrdering(enabled bool) ShardOption {
	return shardOptionFunc(func(c *shardConfig) error {
		c.strictMicrotaskOrdering = enabled
		return nil
	})
}

func resolveShardOptions(opts []ShardOption) (*shardConfig, error) {
	cfg := &shardConfig{
		defaultShares:           100,
		strictMicrotaskOrdering: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyShard(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
