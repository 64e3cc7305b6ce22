package app

import (
	"github.com/dshills/consulo/internal/bus"
	"github.com/dshills/consulo/internal/config"
)

// SettingsChange is the payload published on bus.TopicSettingsChanged.
type SettingsChange struct {
	Config config.Config
}

// UpdateSettings applies mutate to a copy of the configuration. A valid
// result replaces the configuration and is published, so open text diffs
// pick up the ignore policy and directory models the filter settings.
// Services already running keep their pool size and plugin directories.
func (a *Application) UpdateSettings(mutate func(*config.Config)) error {
	if a.IsShutdown() {
		return ErrShutdown
	}
	a.cfgMu.Lock()
	next := a.cfg
	next.Plugins.Dirs = append([]string(nil), a.cfg.Plugins.Dirs...)
	mutate(&next)
	if err := next.Validate(); err != nil {
		a.cfgMu.Unlock()
		return err
	}
	a.cfg = next
	a.cfgMu.Unlock()

	a.logger.SetLevel(next.LogLevel())
	a.logger.Debug("settings updated: %s", next)
	a.bus.Publish(bus.TopicSettingsChanged, SettingsChange{Config: next}, "app")
	return nil
}
