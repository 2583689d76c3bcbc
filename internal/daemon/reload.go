package daemon

import (
	"fmt"
	"reflect"

	"firestige.xyz/edirelay/internal/config"
	"firestige.xyz/edirelay/internal/log"
)

// Reload reads the configuration file again and applies what can change
// at runtime: log settings, relay settings, backoff and the enabled flag
// of existing sources. A value is only applied when the file changed it,
// so settings made through the control socket survive unrelated reloads.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	d.logger().WithField("path", d.configPath).Info("reloading configuration")
	cfg, err := loadConfig(d.configPath, d.overrides)
	if err != nil {
		return err
	}
	return d.apply(cfg)
}

func (d *Daemon) apply(next *config.GlobalConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.config

	var hot, restart []string

	if !reflect.DeepEqual(prev.Log, next.Log) {
		if err := log.Init(next.Log); err != nil {
			return fmt.Errorf("failed to reinitialize logging: %w", err)
		}
		hot = append(hot, "log")
	}

	if d.buffer != nil && prev.Relay.Settings() != next.Relay.Settings() {
		if err := d.buffer.SetSettings(next.Relay.Settings()); err != nil {
			return err
		}
		hot = append(hot, "relay")
	}

	if d.manager != nil {
		if prev.Redundancy.BackoffMs != next.Redundancy.BackoffMs {
			if err := d.manager.SetBackoff(next.RedundancyRuntime().Backoff); err != nil {
				return err
			}
			hot = append(hot, "redundancy.backoff_ms")
		}

		if sameSources(prev.Sources, next.Sources) {
			for i, sc := range next.Sources {
				if sc.Enabled == prev.Sources[i].Enabled {
					continue
				}
				if err := d.manager.SetEnabled(sc.ID(), sc.Enabled); err != nil {
					return err
				}
				hot = append(hot, "sources["+sc.ID()+"].enabled")
			}
		} else {
			restart = append(restart, "sources")
		}
	}

	if prev.Node.Hostname != next.Node.Hostname {
		restart = append(restart, "node.hostname")
	}
	if prev.Redundancy.Mode != next.Redundancy.Mode {
		restart = append(restart, "redundancy.mode")
	}
	if !reflect.DeepEqual(prev.Outputs, next.Outputs) {
		restart = append(restart, "outputs")
	}
	if prev.Metrics != next.Metrics {
		restart = append(restart, "metrics")
	}
	if prev.Control != next.Control {
		restart = append(restart, "control")
	}

	d.config = next
	d.logger().WithFields(map[string]interface{}{
		"hot_reloaded":     hot,
		"requires_restart": restart,
	}).Info("configuration reloaded")
	return nil
}

// sameSources reports whether both lists name the same inputs in the same
// order, ignoring the enabled flag.
func sameSources(a, b []config.SourceConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		x.Enabled, y.Enabled = false, false
		if x != y {
			return false
		}
	}
	return true
}

// watchConfig reloads whenever the configuration file is written.
func (d *Daemon) watchConfig() error {
	_, err := config.Watch(d.configPath, func(cfg *config.GlobalConfig, err error) {
		if d.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = cfg.Apply(d.overrides)
		}
		if err == nil {
			err = d.apply(cfg)
		}
		if err != nil {
			d.logger().WithError(err).Error("failed to apply changed config")
		}
	})
	if err != nil {
		return err
	}
	d.logger().WithField("path", d.configPath).Info("watching configuration file")
	return nil
}
