// Package i18n renders user-facing messages from per-language YAML templates.
package i18n

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/storagewatch/storagewatch/internal/utils"
)

//go:embed locales/*.yaml
var embedded embed.FS

// ErrMissingKey is returned when no template exists for a key in the requested or default language
var ErrMissingKey = errors.New("missing localization key")

var funcs = template.FuncMap{
	"pct":   utils.FormatPercent,
	"ton":   utils.FormatTON,
	"bytes": utils.FormatBytes,
	"minutes": func(m float64) string {
		return utils.FormatDuration(time.Duration(m * float64(time.Minute)).Round(time.Minute))
	},
}

// Localizer holds parsed templates per language
type Localizer struct {
	defaultLang string
	templates   map[string]map[string]*template.Template
}

// New loads the built-in locales
func New(defaultLang string) (*Localizer, error) {
	sub, err := fs.Sub(embedded, "locales")
	if err != nil {
		return nil, err
	}
	return Load(sub, defaultLang)
}

// Load reads every <lang>.yaml file at the root of fsys
func Load(fsys fs.FS, defaultLang string) (*Localizer, error) {
	files, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, err
	}

	l := &Localizer{
		defaultLang: normalizeLang(defaultLang),
		templates:   make(map[string]map[string]*template.Template),
	}
	for _, name := range files {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var tree map[string]interface{}
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}

		lang := strings.TrimSuffix(path.Base(name), ".yaml")
		flat := make(map[string]string)
		flatten("", tree, flat)

		parsed := make(map[string]*template.Template, len(flat))
		for key, text := range flat {
			tmpl, err := template.New(key).Funcs(funcs).Option("missingkey=zero").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("template %s.%s: %w", lang, key, err)
			}
			parsed[key] = tmpl
		}
		l.templates[lang] = parsed
	}

	if _, ok := l.templates[l.defaultLang]; !ok {
		return nil, fmt.Errorf("default language %q has no locale file", l.defaultLang)
	}
	log.Debug().Strs("languages", l.Languages()).Msg("Locales loaded")
	return l, nil
}

// Languages returns the loaded language codes
func (l *Localizer) Languages() []string {
	out := make([]string, 0, len(l.templates))
	for lang := range l.templates {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Render executes the template for key in lang, falling back to the default language
func (l *Localizer) Render(lang, key string, data any) (string, error) {
	tmpl, ok := l.templates[normalizeLang(lang)][key]
	if !ok {
		tmpl, ok = l.templates[l.defaultLang][key]
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func flatten(prefix string, node map[string]interface{}, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case string:
			out[key] = val
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// normalizeLang maps "en-US" and "EN" to "en"
func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
