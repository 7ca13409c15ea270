package config

import (
	"bytes"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

// WatchPrompts keeps store in sync with the overrides file at path.
// Invalid content is rejected and the previous set stays active; removing
// the file restores the built-in defaults.
func WatchPrompts(m *Manager, path string, store *prompts.Store, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := filepath.Base(path)
	m.RegisterValidator(name, func(data []byte) error {
		o, err := prompts.Load(bytes.NewReader(data))
		if err != nil {
			return err
		}
		return prompts.Resolve(o, prompts.Defaults()).Validate()
	})
	m.RegisterHandler(name, func(ev ChangeEvent) error {
		if ev.Action == "delete" || ev.Action == "rename" {
			logger.Warn("Prompt overrides removed, using built-in defaults", zap.String("path", ev.Path))
			return store.Apply(nil)
		}
		o, err := prompts.Load(bytes.NewReader(ev.Data))
		if err != nil {
			return fmt.Errorf("prompts %s: %w", ev.Path, err)
		}
		if err := store.Apply(o); err != nil {
			return fmt.Errorf("prompts %s: %w", ev.Path, err)
		}
		logger.Info("Prompt set reloaded", zap.String("path", ev.Path), zap.String("action", ev.Action))
		return nil
	})
}
