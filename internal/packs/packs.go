// Package packs loads playbook packs, YAML bundles of related playbooks
// shipped and versioned together, into the playbook store at boot. A
// pack directory may also hold bare single-playbook files; both forms
// pass through the same validation as API-created playbooks.
package packs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cybersentinel/soar/internal/audit"
	"github.com/cybersentinel/soar/internal/playbook"
)

// Pack is a named bundle of playbooks loaded as a unit.
type Pack struct {
	Name        string              `json:"name" yaml:"name"`
	Version     string              `json:"version,omitempty" yaml:"version,omitempty"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Playbooks   []playbook.Playbook `json:"playbooks" yaml:"playbooks"`
}

// Parse decodes and checks a pack manifest.
func Parse(raw []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse pack manifest: %w", err)
	}
	if p.Name == "" {
		return nil, errors.New("pack manifest needs a name")
	}
	if len(p.Playbooks) == 0 {
		return nil, fmt.Errorf("pack %q has no playbooks", p.Name)
	}
	return &p, nil
}

// Recorder receives a trail event per stored playbook.
type Recorder interface {
	Emit(typ audit.EventType, executionID, actor, summary string)
}

// Loader stores pack contents through the validating playbook store.
type Loader struct {
	store  *playbook.Store
	trail  Recorder
	logger *zap.Logger
}

// NewLoader wires a loader. trail may be nil.
func NewLoader(store *playbook.Store, trail Recorder, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		store:  store,
		trail:  trail,
		logger: logger.With(zap.String("component", "packs")),
	}
}

// LoadDir loads every pack manifest and bare playbook file under dir
// and returns how many playbooks were stored. Versions already in the
// store are skipped, so loading on every boot is idempotent. A missing
// directory is a no-op.
func (l *Loader) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read packs dir: %w", err)
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
			return loaded, fmt.Errorf("read %s: %w", name, err)
		}

		n, err := l.loadFile(ctx, name, raw)
		if err != nil {
			return loaded, err
		}
		loaded += n
	}
	return loaded, nil
}

// loadFile handles one file, pack manifest or bare playbook. A file
// with a top-level playbooks list is a pack; anything else is treated
// as a single playbook definition.
func (l *Loader) loadFile(ctx context.Context, name string, raw []byte) (int, error) {
	var probe struct {
		Playbooks []yaml.Node `yaml:"playbooks"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}

	if len(probe.Playbooks) == 0 {
		var p playbook.Playbook
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return 0, fmt.Errorf("parse playbook %s: %w", name, err)
		}
		id, err := l.storeOne(ctx, name, p)
		if err != nil || id == "" {
			return 0, err
		}
		return 1, nil
	}

	pack, err := Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	source := fmt.Sprintf("%s (pack %s)", name, pack.Name)
	count := 0
	for _, p := range pack.Playbooks {
		id, err := l.storeOne(ctx, source, p)
		if err != nil {
			return count, err
		}
		if id != "" {
			count++
		}
	}
	l.logger.Info("pack loaded",
		zap.String("pack", pack.Name),
		zap.String("version", pack.Version),
		zap.Int("playbooks", count))
	return count, nil
}

// storeOne returns the stored id, or "" when the version already exists.
func (l *Loader) storeOne(ctx context.Context, source string, p playbook.Playbook) (string, error) {
	stored, err := l.store.Create(ctx, p)
	if err != nil {
		if errors.Is(err, playbook.ErrAlreadyExists) {
			l.logger.Debug("playbook version already stored",
				zap.String("source", source),
				zap.String("playbook_id", p.ID),
				zap.String("version", p.Version))
			return "", nil
		}
		return "", fmt.Errorf("store playbook from %s: %w", source, err)
	}

	l.logger.Info("playbook loaded",
		zap.String("source", source),
		zap.String("playbook_id", stored.ID),
		zap.String("version", stored.Version),
		zap.Int("steps", len(stored.Steps)))
	if l.trail != nil {
		l.trail.Emit(audit.EventPlaybookLoaded, "", "system",
			fmt.Sprintf("playbook %s v%s loaded from %s", stored.ID, stored.Version, source))
	}
	return stored.ID, nil
}
