package supervise

import (
	"time"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/output"
)

const (
	DefaultMaxRestarts   = 3
	DefaultMemoryLimitMB = 2048
	DefaultStallTimeout  = 5 * time.Minute

	// Bounded wait for stream buffers to drain after process exit.
	drainTimeout = 5 * time.Second
)

// OutputFunc receives every cleaned output line of a supervised process as
// it arrives. stderr tells the two streams apart.
type OutputFunc func(line string, stderr bool)

// Options configures one process launch.
type Options struct {
	Path string   // logical executable name, resolved via the system PATH
	Args []string
	Dir  string   // working directory, empty = current
	Env  []string // KEY=VALUE overrides appended to the parent environment

	MaxRestarts   int           // restart budget, default 3
	Timeout       time.Duration // overall wall clock limit, 0 = none
	StallTimeout  time.Duration // silence threshold, default 5 minutes
	MemoryLimitMB uint64        // resident memory ceiling, default 2048

	Patterns *output.PatternSet // nil = output.DefaultPatterns
	OnOutput OutputFunc         // optional live subscriber
}

func (o Options) withDefaults() Options {
	if o.MaxRestarts == 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.MemoryLimitMB == 0 {
		o.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if o.Patterns == nil {
		p := output.DefaultPatterns()
		o.Patterns = &p
	}
	return o
}
