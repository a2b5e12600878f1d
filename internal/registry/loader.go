package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	goyaml "gopkg.in/yaml.v3"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Parse decodes a flow definition. ext selects the format: ".json", ".yaml" or ".yml".
func Parse(data []byte, ext string) (models.Flow, error) {
	var flow models.Flow
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &flow); err != nil {
			return models.Flow{}, fmt.Errorf("error unmarshalling JSON flow: %w", err)
		}
	case ".yaml", ".yml":
		if err := goyaml.Unmarshal(data, &flow); err != nil {
			return models.Flow{}, fmt.Errorf("error unmarshalling YAML flow: %w", err)
		}
	default:
		return models.Flow{}, fmt.Errorf("unsupported flow file extension %q", ext)
	}
	return flow, nil
}

// LoadFile reads one flow definition from disk.
func LoadFile(filePath string) (models.Flow, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return models.Flow{}, fmt.Errorf("error reading flow file: %w", err)
	}
	flow, err := Parse(data, filepath.Ext(filePath))
	if err != nil {
		return models.Flow{}, fmt.Errorf("%s: %w", filePath, err)
	}
	return flow, nil
}

// LoadDir reads every .json, .yaml and .yml file directly inside dir.
func LoadDir(dir string) ([]models.Flow, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("flows directory not found at %q: %w", dir, err)
	}
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS reads every flow definition file directly inside dir of fsys, in
// lexical file name order.
func LoadFS(fsys fs.FS, dir string) ([]models.Flow, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows directory %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var flows []models.Flow
	for _, entry := range entries {
		if entry.IsDir() || !isFlowFile(entry.Name()) {
			continue
		}
		name := path.Join(dir, entry.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read flow file %s: %w", name, err)
		}
		flow, err := Parse(data, path.Ext(name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		slog.Debug("Registry LoadFS parsed flow", "file", name, "flowID", flow.ID)
		flows = append(flows, flow)
	}
	return flows, nil
}

// RegisterAll registers each flow and reports every rejection. Valid flows are
// registered even when others fail.
func (r *Registry) RegisterAll(flows []models.Flow) error {
	var errs []error
	for _, f := range flows {
		if _, err := r.Register(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isFlowFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
