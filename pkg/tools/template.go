package tools

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

// RenderTemplateTool renders a Go text/template, typically to assemble a
// platform-specific post from generated pieces.
type RenderTemplateTool struct{}

func (RenderTemplateTool) Name() string { return "render_template" }
func (RenderTemplateTool) Description() string {
	return "Render a text/template with the given values."
}

// Execute renders params.template against params.values and returns the text.
// When params.maxLength is set the output is truncated on a rune boundary.
func (t RenderTemplateTool) Execute(_ context.Context, params map[string]any) (any, error) {
	var p struct {
		Template  string         `json:"template" validate:"required"`
		Values    map[string]any `json:"values"`
		MaxLength int            `json:"maxLength" validate:"gte=0"`
	}
	if err := decodeParams(t.Name(), params, &p); err != nil {
		return nil, err
	}
	out, err := renderTemplate(p.Template, p.Values)
	if err != nil {
		return nil, fmt.Errorf("render_template: %w", err)
	}
	if p.MaxLength > 0 {
		if r := []rune(out); len(r) > p.MaxLength {
			out = string(r[:p.MaxLength])
		}
	}
	return out, nil
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = fmt.Sprint(it)
		}
		return strings.Join(parts, sep)
	},
	"hashtags": func(items []any) string {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			tag := strings.ReplaceAll(strings.TrimSpace(fmt.Sprint(it)), " ", "")
			if tag == "" {
				continue
			}
			if !strings.HasPrefix(tag, "#") {
				tag = "#" + tag
			}
			parts = append(parts, tag)
		}
		return strings.Join(parts, " ")
	},
}

// renderTemplate executes a Go template string against a data map.
func renderTemplate(tplStr string, data map[string]any) (string, error) {
	tpl, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(tplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
