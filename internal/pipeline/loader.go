package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/slidewise/conveyor/internal/log"
)

// Library holds the current preset set: embedded built-ins merged with an
// optional overlay directory. Overlay presets replace built-ins with the
// same name. Reload swaps the whole set atomically, so readers never see
// a half-loaded state.
type Library struct {
	overlayDir string

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewLibrary loads the built-in presets plus the overlay directory.
// overlayDir may be empty or point at a directory that does not exist yet.
func NewLibrary(overlayDir string) (*Library, error) {
	lib := &Library{overlayDir: overlayDir}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Reload rebuilds the preset set from scratch. Invalid preset files are
// skipped with a warning rather than failing the whole reload, so one bad
// overlay file cannot take the library down.
func (l *Library) Reload() error {
	merged := make(map[string]Preset)

	builtins, err := loadFS(builtinPresets, "presets", SourceBuiltIn)
	if err != nil {
		return err
	}
	for _, p := range builtins {
		merged[p.Name] = p
	}

	if l.overlayDir != "" {
		overlay, err := loadDir(l.overlayDir)
		if err != nil {
			return err
		}
		for _, p := range overlay {
			if prev, ok := merged[p.Name]; ok && prev.Source == SourceBuiltIn {
				log.Debug(log.CatPipeline, "overlay preset replaces built-in", "name", p.Name)
			}
			merged[p.Name] = p
		}
	}

	l.mu.Lock()
	l.presets = merged
	l.mu.Unlock()

	log.Info(log.CatPipeline, "pipeline presets loaded",
		"count", len(merged),
		"overlay_dir", l.overlayDir)
	return nil
}

// List returns all presets sorted by name.
func (l *Library) List() []Preset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Preset, 0, len(l.presets))
	for _, p := range l.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the preset with the given name.
func (l *Library) Get(name string) (Preset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.presets[name]
	return p, ok
}

// loadFS loads presets from a filesystem rooted at dir. Used for the
// embedded built-ins, which always use forward slashes.
func loadFS(fsys fs.FS, dir string, source Source) ([]Preset, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading preset directory: %w", err)
	}

	var presets []Preset
	for _, entry := range entries {
		if entry.IsDir() || !isPresetFile(entry.Name()) {
			continue
		}
		fsPath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading preset %s: %w", fsPath, err)
		}
		p, err := parsePreset(content, source)
		if err != nil {
			log.Warn(log.CatPipeline, "skipping invalid preset", "file", fsPath, "error", err.Error())
			continue
		}
		presets = append(presets, p)
	}
	return presets, nil
}

// loadDir loads overlay presets. A missing directory is not an error,
// just no overlay.
func loadDir(dir string) ([]Preset, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking preset directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("preset path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading preset directory: %w", err)
	}

	var presets []Preset
	for _, entry := range entries {
		if entry.IsDir() || !isPresetFile(entry.Name()) {
			continue
		}
		filePath := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(filePath) //nolint:gosec // filePath is built from directory entries
		if err != nil {
			log.Warn(log.CatPipeline, "skipping unreadable preset", "file", filePath, "error", err.Error())
			continue
		}
		p, err := parsePreset(content, SourceUser)
		if err != nil {
			log.Warn(log.CatPipeline, "skipping invalid preset", "file", filePath, "error", err.Error())
			continue
		}
		p.FilePath = filePath
		presets = append(presets, p)
	}
	return presets, nil
}

func parsePreset(content []byte, source Source) (Preset, error) {
	var p Preset
	if err := yaml.Unmarshal(content, &p); err != nil {
		return Preset{}, fmt.Errorf("parsing YAML: %w", err)
	}
	p.Source = source
	if err := p.Validate(); err != nil {
		return Preset{}, err
	}
	return p, nil
}

func isPresetFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
