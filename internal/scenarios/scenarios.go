package scenarios

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"gopkg.in/yaml.v3"
)

// scenarioFile is the on-disk YAML layout of one scenario file
type scenarioFile struct {
	Project   string `yaml:"project,omitempty"` // empty = applies to all projects
	Scenarios []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description,omitempty"`
		Path        string   `yaml:"path,omitempty"`
		Steps       []string `yaml:"steps"`
	} `yaml:"scenarios"`
}

// Loader reads UI test scenarios from a directory of YAML files
type Loader struct {
	dir string
}

// NewLoader creates a loader for the given scenario directory
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// ForProject returns the scenarios applying to one project, in stable
// file-then-declaration order. A missing directory yields no scenarios.
func (l *Loader) ForProject(projectID string) ([]clients.UIScenario, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var result []clients.UIScenario
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var file scenarioFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		if file.Project != "" && file.Project != projectID {
			continue
		}

		for _, sc := range file.Scenarios {
			if sc.Name == "" || len(sc.Steps) == 0 {
				continue
			}
			result = append(result, clients.UIScenario{
				Name:        sc.Name,
				Description: sc.Description,
				Path:        sc.Path,
				Steps:       sc.Steps,
			})
		}
	}

	return result, nil
}
