// Package registry holds the immutable catalogue of deepseg models and the
// tasks that chain them. It is loaded once at startup and passed by reference
// to whatever needs to resolve a task.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"spinalseg/internal/models"
)

//go:embed models.yaml
var defaultRegistry []byte

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrDuplicateEntry = errors.New("duplicate registry entry")
	ErrEmptyTask      = errors.New("task has no models")
)

// Model describes an official pre-trained model
type Model struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URLs        []string          `yaml:"urls"`
	Contrasts   []models.Contrast `yaml:"contrasts"`
	Default     bool              `yaml:"default"`
}

// Task is a named chain of models. Entries that are not official model names
// are treated as paths to custom model directories.
type Task struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Models      []string `yaml:"models"`
}

type document struct {
	Models []Model `yaml:"models"`
	Tasks  []Task  `yaml:"tasks"`
}

// Registry maps identifiers to model and task descriptors. It is never
// modified after Load returns.
type Registry struct {
	models map[string]Model
	tasks  map[string]Task
}

// Default returns the built-in registry
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultRegistry))
}

// LoadFile reads a registry from a YAML file
func LoadFile(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening registry file: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// Load parses a registry document
func Load(r io.Reader) (*Registry, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("error parsing registry: %w", err)
	}

	reg := &Registry{
		models: make(map[string]Model, len(doc.Models)),
		tasks:  make(map[string]Task, len(doc.Tasks)),
	}
	for _, m := range doc.Models {
		if _, ok := reg.models[m.Name]; ok {
			return nil, fmt.Errorf("%w: model %q", ErrDuplicateEntry, m.Name)
		}
		reg.models[m.Name] = m
	}
	for _, t := range doc.Tasks {
		if _, ok := reg.tasks[t.Name]; ok {
			return nil, fmt.Errorf("%w: task %q", ErrDuplicateEntry, t.Name)
		}
		if len(t.Models) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyTask, t.Name)
		}
		reg.tasks[t.Name] = t
	}
	return reg, nil
}

// Task looks up a task by name
func (r *Registry) Task(name string) (Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return t, nil
}

// Model looks up an official model. The boolean is false for identifiers that
// should be treated as custom model paths.
func (r *Registry) Model(name string) (Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// TaskNames returns all task names in lexical order
func (r *Registry) TaskNames() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredContrasts returns the contrasts a task needs as input: the union of
// its official models' contrasts, in first-seen order.
func (r *Registry) RequiredContrasts(task string) ([]models.Contrast, error) {
	t, err := r.Task(task)
	if err != nil {
		return nil, err
	}
	var contrasts []models.Contrast
	for _, name := range t.Models {
		m, ok := r.models[name]
		if !ok {
			continue
		}
		for _, c := range m.Contrasts {
			if !slices.Contains(contrasts, c) {
				contrasts = append(contrasts, c)
			}
		}
	}
	return contrasts, nil
}

// Folder returns the install location of an official model
func Folder(cacheDir, model string) string {
	return filepath.Join(cacheDir, model)
}

// IsValidModelDir reports whether path holds a usable model: a JSON
// configuration plus PyTorch or ONNX weights named after the directory.
func IsValidModelDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	base := filepath.Join(path, filepath.Base(path))
	if !fileExists(base + ".json") {
		return false
	}
	return fileExists(base+".pt") || fileExists(base+".onnx")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WriteTaskList prints the available tasks as a table. Models already present
// in cacheDir are marked as installed.
func (r *Registry) WriteTaskList(w io.Writer, cacheDir string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tDESCRIPTION\tINPUT CONTRASTS\tMODELS")
	for _, name := range r.TaskNames() {
		t := r.tasks[name]
		contrasts, _ := r.RequiredContrasts(name)
		labels := make([]string, len(contrasts))
		for i, c := range contrasts {
			labels[i] = string(c)
		}
		modelNames := make([]string, len(t.Models))
		for i, m := range t.Models {
			modelNames[i] = m
			if _, ok := r.models[m]; ok && IsValidModelDir(Folder(cacheDir, m)) {
				modelNames[i] += " [installed]"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, t.Description,
			strings.Join(labels, ", "), strings.Join(modelNames, ", "))
	}
	return tw.Flush()
}
