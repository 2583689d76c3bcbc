package config

import (
	"fmt"

	"firestige.xyz/edirelay/internal/core"
)

// Overrides carries command line values that replace the file
// configuration. Nil pointers and empty slices leave the file value.
type Overrides struct {
	Sources   []string // -c host:port, repeatable
	Delay     *int     // -w, ms
	DropDelay *int     // -x, ms, also enables drop_late
	Backoff   *int     // -b, ms
	Mode      string
	Dests     []string // --dest host:port, repeatable
	Dump      bool
	LogLevel  string
}

// Empty reports whether no override is set.
func (o Overrides) Empty() bool {
	return len(o.Sources) == 0 && o.Delay == nil && o.DropDelay == nil && o.Backoff == nil &&
		o.Mode == "" && len(o.Dests) == 0 && !o.Dump && o.LogLevel == ""
}

// Apply merges o into cfg and validates the result again.
func (cfg *GlobalConfig) Apply(o Overrides) error {
	if o.Empty() {
		return nil
	}
	if len(o.Sources) > 0 {
		raw := make([]any, 0, len(o.Sources))
		for _, s := range o.Sources {
			raw = append(raw, s)
		}
		cfg.RawSources = raw
	}
	if o.Delay != nil {
		cfg.Relay.DelayMs = *o.Delay
	}
	if o.DropDelay != nil {
		cfg.Relay.DropLate = true
		cfg.Relay.DropDelayMs = *o.DropDelay
	}
	if o.Backoff != nil {
		cfg.Redundancy.BackoffMs = *o.Backoff
	}
	if o.Mode != "" {
		cfg.Redundancy.Mode = o.Mode
	}
	if len(o.Dests) > 0 {
		dests := make([]DestinationConfig, 0, len(o.Dests))
		for _, d := range o.Dests {
			dests = append(dests, DestinationConfig{Dest: d})
		}
		cfg.Outputs.UDP.Enabled = true
		cfg.Outputs.UDP.Destinations = dests
	}
	if o.Dump {
		cfg.Outputs.Console.Enabled = true
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return fmt.Errorf("%w: command line: %v", core.ErrConfigInvalid, err)
	}
	return nil
}
