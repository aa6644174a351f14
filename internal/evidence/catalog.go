package evidence

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-engine/internal/model"
)

// LoadCatalog reads a source catalog file with a top-level "sources" list.
func LoadCatalog(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read catalog %s", path)
	}

	var wrapper struct {
		Sources []model.Source `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "evidence: parse catalog")
	}

	seen := make(map[string]bool, len(wrapper.Sources))
	for i, src := range wrapper.Sources {
		if src.ID == "" {
			return nil, eris.Errorf("evidence: catalog entry %d has no id", i)
		}
		if seen[src.ID] {
			return nil, eris.Errorf("evidence: catalog lists source %s twice", src.ID)
		}
		seen[src.ID] = true
	}
	return wrapper.Sources, nil
}
