package render

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"io"
	"io/fs"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

type executor interface {
	ExecuteTemplate(w io.Writer, name string, data any) error
}

// Engine renders named templates.
type Engine struct {
	templates executor
}

// New initialises an Engine by parsing the embedded text templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(funcs()).ParseFS(templatesFS, "templates/*.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// NewHTML initialises an Engine by parsing the embedded HTML templates with contextual escaping.
func NewHTML() (*Engine, error) {
	t, err := htmltemplate.New("render").Funcs(htmltemplate.FuncMap(funcs())).ParseFS(templatesFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// NewFromFS parses text templates matching patterns in fsys. Executing a
// template that references a missing map key fails instead of printing "<no value>".
func NewFromFS(fsys fs.FS, patterns ...string) (*Engine, error) {
	t, err := template.New("render").Funcs(funcs()).Option("missingkey=error").ParseFS(fsys, patterns...)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"join":  strings.Join,
		"lower": strings.ToLower,
		"rfc3339": func(t time.Time) string {
			return t.UTC().Format(time.RFC3339)
		},
		"duration": func(d time.Duration) string {
			return d.Round(time.Second).String()
		},
		"ago": func(t time.Time) string {
			return humanize.Time(t)
		},
	}
}
