// Package definition loads declarative workflow-type definitions, validates
// them, and compiles them into state machines held by a lock-free registry.
package definition

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/grcflow/model"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Loader reads YAML definition files, parses them, and computes SHA-256
// checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadBuiltin returns the workflow types shipped with the binary.
func (l *Loader) LoadBuiltin() ([]model.DefinitionFile, error) {
	return l.loadFS(builtinFS, "builtin", "builtin")
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a DefinitionFile.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var files []model.DefinitionFile
	for _, dir := range directories {
		loaded, err := l.loadFS(os.DirFS(dir), ".", dir)
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		files = append(files, loaded...)
	}
	return files, nil
}

func (l *Loader) loadFS(fsys fs.FS, root, label string) ([]model.DefinitionFile, error) {
	var files []model.DefinitionFile
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(p) {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		rel := p
		if root != "." {
			rel = strings.TrimPrefix(p, root+"/")
		}
		file, err := l.Parse(filepath.Join(label, rel), data)
		if err != nil {
			return err
		}
		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(p string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", p, err)
	}
	return l.Parse(p, data)
}

// Parse decodes definition YAML. Unknown fields are rejected so that typos in
// hand-authored tables surface at load time.
func (l *Loader) Parse(source string, data []byte) (model.DefinitionFile, error) {
	var file model.DefinitionFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", source, err)
	}
	file.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	file.SourceFile = source
	return file, nil
}

func isYAML(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}
