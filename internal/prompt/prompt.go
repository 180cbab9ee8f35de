// Package prompt stores the LLM prompt templates used by the scheduler's
// memory pipelines. Templates are data keyed by name; pipelines fetch them
// through the Store interface so deployments can override wording without
// touching pipeline code.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Store renders a named template against the given data.
type Store interface {
	Render(name string, data map[string]any) (string, error)
}

// TemplateStore is the default Store backed by text/template.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

var _ Store = (*TemplateStore)(nil)

// NewStore creates a store preloaded with the built-in templates.
func NewStore() *TemplateStore {
	s := &TemplateStore{templates: make(map[string]*template.Template)}
	for name, text := range builtins {
		if err := s.Register(name, text); err != nil {
			panic(fmt.Sprintf("builtin prompt template %q: %v", name, err))
		}
	}
	return s
}

// Register adds or replaces a template.
func (s *TemplateStore) Register(name, text string) error {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %q: %w", name, err)
	}
	s.mu.Lock()
	s.templates[name] = tmpl
	s.mu.Unlock()
	return nil
}

// Render executes the named template.
func (s *TemplateStore) Render(name string, data map[string]any) (string, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt template: %s", name)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return b.String(), nil
}

// Names lists the registered template names, sorted.
func (s *TemplateStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for n := range s.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
