package config

import (
	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives the reloaded configuration, or the error that
// prevented loading it.
type ChangeFunc func(cfg *GlobalConfig, err error)

// Watch loads path and calls onChange every time the file is written
// again. The watch lasts for the life of the process.
func Watch(path string, onChange ChangeFunc) (*GlobalConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return cfg, nil
}
