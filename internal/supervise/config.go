package supervise

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Profile maps a logical agent name (a viper config section) to the
// command line that invokes it.
type Profile struct {
	Command struct {
		Path    string            `mapstructure:"path"`
		Args    []string          `mapstructure:"args"`
		Env     map[string]string `mapstructure:"env"`
		Timeout time.Duration     `mapstructure:"timeout"`
	} `mapstructure:"command"`
	MaxRestarts   int           `mapstructure:"max_restarts"`
	MemoryLimitMB uint64        `mapstructure:"memory_limit_mb"`
	StallTimeout  time.Duration `mapstructure:"stall_timeout"`
}

// ParseProfile decodes the profile stored under key, e.g. "agents.claude".
func ParseProfile(key string) (Profile, error) {
	var p Profile
	err := viper.UnmarshalKey(key, &p)
	return p, err
}

// Options converts a profile into launch options. $VAR values in env are
// expanded from the parent environment, keys are upper-cased.
func (p Profile) Options() Options {
	env := make([]string, 0, len(p.Command.Env))
	for k, v := range p.Command.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Options{
		Path:          p.Command.Path,
		Args:          p.Command.Args,
		Env:           env,
		Timeout:       p.Command.Timeout,
		MaxRestarts:   p.MaxRestarts,
		MemoryLimitMB: p.MemoryLimitMB,
		StallTimeout:  p.StallTimeout,
	}
}
