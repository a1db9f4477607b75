package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rvidal/preceptor/pkg/schema"
)

// fileDefinition is the YAML shape of a workflow-type definition file.
// variables_schema is given as YAML and converted to JSON for the validator.
type fileDefinition struct {
	Name            string         `yaml:"name"`
	Roles           []string       `yaml:"roles"`
	HopLimit        int            `yaml:"hop_limit"`
	Guard           string         `yaml:"guard"`
	VariablesSchema map[string]any `yaml:"variables_schema"`
}

// Loader reads workflow-type definition files from disk.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadDir scans a directory for *.yaml and *.yml files and registers each
// parsed definition into reg. Missing directories are not an error.
func (l *Loader) LoadDir(dir string, reg *Registry) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scanning directory %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		wt, err := l.LoadFile(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		if err := reg.Register(wt); err != nil {
			return fmt.Errorf("registering %s: %w", path, err)
		}
	}
	return nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (*WorkflowType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var fd fileDefinition
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	wt := &WorkflowType{
		Name:       fd.Name,
		HopLimit:   fd.HopLimit,
		Guard:      fd.Guard,
		SourceFile: path,
	}
	for _, r := range fd.Roles {
		wt.Roles = append(wt.Roles, roleFromString(r))
	}
	if fd.VariablesSchema != nil {
		raw, err := json.Marshal(fd.VariablesSchema)
		if err != nil {
			return nil, fmt.Errorf("converting variables_schema in %s: %w", path, err)
		}
		wt.VariablesSchema = raw
	}
	return wt, nil
}

func roleFromString(s string) schema.Role {
	return schema.Role(strings.ToLower(strings.TrimSpace(s)))
}
