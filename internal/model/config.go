package model

import (
	"io"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the orchestrator configuration. Optional sections are pointers
// so an absent section is distinguishable from a zero one.
type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Worker    *Worker    `json:"worker,omitempty" yaml:"worker,omitempty"`
	Store     *Store     `json:"store,omitempty" yaml:"store,omitempty"`
	Schedule  *Schedule  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Recovery  *Schedule  `json:"recovery,omitempty" yaml:"recovery,omitempty"`
	Supervise *Supervise `json:"supervise,omitempty" yaml:"supervise,omitempty"`
	Service   Service    `json:"service" yaml:"service"`
}

// Worker identity and concurrency.
type Worker struct {
	ID    *string `json:"id,omitempty" yaml:"id,omitempty"`       // empty => random uuid per run
	Slots *int    `json:"slots,omitempty" yaml:"slots,omitempty"` // concurrent agent processes
}

// Store selects the job database location.
type Store struct {
	Path *string `json:"path,omitempty" yaml:"path,omitempty"` // empty => vibeswarm.db next to config
}

// Schedule sets a periodic trigger, either a 5-field cron expression or an
// ISO8601 duration like PT30S.
type Schedule struct {
	Cron     *string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration *string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Supervise overrides process supervision defaults.
type Supervise struct {
	MaxRestarts   *int `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`
	MemoryLimitMB *int `json:"memory_limit_mb,omitempty" yaml:"memory_limit_mb,omitempty"`
	StallSeconds  *int `json:"stall_seconds,omitempty" yaml:"stall_seconds,omitempty"`
	HealthSeconds *int `json:"health_seconds,omitempty" yaml:"health_seconds,omitempty"`
}

// Service holds logging settings.
type Service struct {
	Verbose   *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	LogFormat *string `json:"log_format,omitempty" yaml:"log_format,omitempty"` // "json" | "console"
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// CueErrDetails flattens a CUE validation error into one line per cause,
// suitable for logging before bailing out.
func CueErrDetails(err error) []string {
	if err == nil {
		return nil
	}
	var out []string
	for _, e := range cueerrors.Errors(err) {
		line := strings.TrimSpace(cueerrors.Details(e, nil))
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// DefaultConfig is written on first run when no config file exists.
func DefaultConfig() Config {
	duration := "PT30S"
	slots := 2
	return Config{
		Version: 0,
		Worker: &Worker{
			Slots: &slots,
		},
		Schedule: &Schedule{
			Duration: &duration,
		},
		Service: Service{},
	}
}
