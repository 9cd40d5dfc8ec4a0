package directive

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileLoader implements Loader over a directory of `<name>.yaml` directive
// files, decoded into the generic authored shape FromMap expects. Mirrors
// harness.LoadPatternClassifier's single-file-per-lookup YAML decoding,
// generalized from one classification file to one directive per name.
type FileLoader struct {
	root string
}

// NewFileLoader constructs a FileLoader rooted at dir.
func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{root: dir}
}

// Load reads `<root>/<name>.yaml` and decodes it into a Directive.
func (l *FileLoader) Load(name string) (Directive, error) {
	path := filepath.Join(l.root, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Directive{}, fmt.Errorf("directive: reading %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Directive{}, fmt.Errorf("directive: parsing %s: %w", path, err)
	}
	d, err := FromMap(raw)
	if err != nil {
		return Directive{}, fmt.Errorf("directive: building %q from %s: %w", name, path, err)
	}
	if d.Name == "" {
		d.Name = name
	}
	return d, nil
}
