package playbook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadDir loads playbook definitions from a directory of YAML or JSON
// files. Versions already in the store are skipped, so loading the same
// directory on every boot is idempotent.
func LoadDir(ctx context.Context, store *Store, dir string, logger *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read playbook dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch strings.ToLower(filepath.Ext(name)) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("read playbook %s: %w", name, err)
		}
		var p Playbook
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return loaded, fmt.Errorf("parse playbook %s: %w", name, err)
		}

		stored, err := store.Create(ctx, p)
		if err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				logger.Debug("playbook version already stored",
					zap.String("file", name),
					zap.String("playbook_id", p.ID),
					zap.String("version", p.Version))
				continue
			}
			return loaded, fmt.Errorf("store playbook %s: %w", name, err)
		}
		loaded++
		logger.Info("playbook loaded",
			zap.String("file", name),
			zap.String("playbook_id", stored.ID),
			zap.String("version", stored.Version),
			zap.Int("steps", len(stored.Steps)))
	}
	return loaded, nil
}
