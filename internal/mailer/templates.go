package mailer

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Rendered is a fully rendered email.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// Renderer renders the embedded email templates.
type Renderer struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

// NewRenderer parses the embedded templates. Missing variables render as errors.
func NewRenderer() (*Renderer, error) {
	text, err := texttemplate.New("mail").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	html, err := htmltemplate.New("mail").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	return &Renderer{text: text, html: html}, nil
}

// Render executes the subject, text and html parts of a template.
func (r *Renderer) Render(name string, vars map[string]string) (Rendered, error) {
	if r.text.Lookup(name+".subject") == nil {
		return Rendered{}, fmt.Errorf("unknown template %q", name)
	}
	var out Rendered
	var buf bytes.Buffer
	if err := r.text.ExecuteTemplate(&buf, name+".subject", vars); err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}
	out.Subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := r.text.ExecuteTemplate(&buf, name+".text", vars); err != nil {
		return Rendered{}, fmt.Errorf("render text: %w", err)
	}
	out.Text = buf.String()

	buf.Reset()
	if err := r.html.ExecuteTemplate(&buf, name+".html", vars); err != nil {
		return Rendered{}, fmt.Errorf("render html: %w", err)
	}
	out.HTML = buf.String()
	return out, nil
}
