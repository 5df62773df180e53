// Package bundle stores named sets of port forwards for one host so they can
// be started together with `termssh forward --bundle NAME`.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/forward"
	"github.com/treykane/termssh/internal/model"
)

// ErrNotFound is returned when no bundle has the requested name.
var ErrNotFound = errors.New("bundle not found")

// Definition is a host plus the forward arguments to open on it, in the
// same L:/R: syntax the forward command accepts.
type Definition struct {
	Name     string   `yaml:"name" json:"name"`
	Host     string   `yaml:"host" json:"host"`
	Forwards []string `yaml:"forwards" json:"forwards"`
}

// Specs parses the stored forward arguments.
func (d Definition) Specs() ([]model.ForwardSpec, error) {
	specs := make([]model.ForwardSpec, 0, len(d.Forwards))
	for _, arg := range d.Forwards {
		spec, err := forward.ParseForwardArg(arg)
		if err != nil {
			return nil, fmt.Errorf("bundle %s: %s: %w", d.Name, arg, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

type fileModel struct {
	Bundles map[string]Definition `yaml:"bundles"`
}

func filePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bundles.yaml"), nil
}

// LoadAll returns all bundles sorted by name.
func LoadAll() ([]Definition, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(fm.Bundles))
	for _, b := range fm.Bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func Get(name string) (Definition, error) {
	fm, err := loadFile()
	if err != nil {
		return Definition{}, err
	}
	b, ok := fm.Bundles[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return b, nil
}

// Save adds or replaces a bundle. Every forward argument must parse.
func Save(name, host string, forwards []string) (Definition, error) {
	def := Definition{Name: strings.TrimSpace(name), Host: strings.TrimSpace(host)}
	if def.Name == "" {
		return Definition{}, errors.New("bundle name cannot be empty")
	}
	if def.Host == "" {
		return Definition{}, errors.New("bundle host cannot be empty")
	}
	if len(forwards) == 0 {
		return Definition{}, errors.New("bundle must include at least one forward")
	}
	for _, f := range forwards {
		def.Forwards = append(def.Forwards, strings.TrimSpace(f))
	}
	if _, err := def.Specs(); err != nil {
		return Definition{}, err
	}

	fm, err := loadFile()
	if err != nil {
		return Definition{}, err
	}
	fm.Bundles[def.Name] = def
	return def, saveFile(fm)
}

func Delete(name string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Bundles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(fm.Bundles, name)
	return saveFile(fm)
}

func loadFile() (fileModel, error) {
	path, err := filePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Bundles: map[string]Definition{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse bundles: %w", err)
	}
	if fm.Bundles == nil {
		fm.Bundles = map[string]Definition{}
	}
	return fm, nil
}

func saveFile(fm fileModel) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
