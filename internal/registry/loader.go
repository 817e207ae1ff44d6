// Package registry discovers model packages under a models directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidwall/gjson"

	"chatbridge/internal/common/fsutil"
	"chatbridge/internal/conv"
	"chatbridge/pkg/types"
)

// LoadDir scans dir for model packages: immediate subdirectories holding a
// chat-config.json. The ID is the directory name and Path its absolute
// path. Packages whose config is not valid JSON are skipped.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(abs, e.Name())
		b, err := os.ReadFile(filepath.Join(p, conv.ConfigFileName))
		if err != nil || !gjson.ValidBytes(b) {
			continue
		}
		res := gjson.GetManyBytes(b, "model_type", "context_window_size")
		models = append(models, types.Model{
			ID:                e.Name(),
			Object:            "model",
			Path:              p,
			ModelType:         res[0].String(),
			ContextWindowSize: int(res[1].Int()),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Find returns the model with the given id.
func Find(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return types.Model{}, false
}
