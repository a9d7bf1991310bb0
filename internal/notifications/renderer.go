// Package notifications holds the channel adapters the dispatcher delivers
// through: queued email, an SMS gateway and the in-app inbox.
package notifications

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
)

//go:embed templates/*
var templateFS embed.FS

// Body formats.
const (
	FormatMarkdown = "md"
	FormatText     = "txt"
)

// Renderer turns a template id and variables into a notification body.
// Compiled templates are cached.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*pongo2.Template
}

// NewRenderer returns a renderer over the built-in templates.
func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string]*pongo2.Template)}
}

func (r *Renderer) template(name string) (*pongo2.Template, error) {
	r.mu.RLock()
	tmpl, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	src, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("unknown notification template %s: %w", name, err)
	}
	tmpl, err = pongo2.FromBytes(src)
	if err != nil {
		return nil, fmt.Errorf("compile template %s: %w", name, err)
	}
	r.mu.Lock()
	r.cache[name] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

// Render executes templateID in the given format.
func (r *Renderer) Render(templateID, format string, vars map[string]interface{}) (string, error) {
	tmpl, err := r.template(templateID + "." + format)
	if err != nil {
		return "", err
	}
	out, err := tmpl.Execute(pongo2.Context(vars))
	if err != nil {
		return "", fmt.Errorf("render %s: %w", templateID, err)
	}
	return strings.TrimSpace(out), nil
}
