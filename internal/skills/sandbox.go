package skills

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// escapePatterns are token shapes used to break out of template sandboxes:
// class-hierarchy and namespace introspection, plus Go template actions
// that call functions or define and invoke other templates.
var escapePatterns = []*regexp.Regexp{
	regexp.MustCompile(`__class__`),
	regexp.MustCompile(`__mro__`),
	regexp.MustCompile(`__subclasses__`),
	regexp.MustCompile(`__globals__`),
	regexp.MustCompile(`__builtins__`),
	regexp.MustCompile(`__import__`),
	regexp.MustCompile(`__init__`),
	regexp.MustCompile(`__dict__`),
	regexp.MustCompile(`\{\{-?\s*call\b`),
	regexp.MustCompile(`\{\{-?\s*template\b`),
	regexp.MustCompile(`\{\{-?\s*define\b`),
	regexp.MustCompile(`\{\{-?\s*block\b`),
	regexp.MustCompile(`\bos\.|\bexec\.|\bsyscall\.`),
}

// sandboxFuncs is the entire function surface templates can reach.
var sandboxFuncs = template.FuncMap{
	"default": func(def, v interface{}) interface{} {
		if v == nil || v == "" {
			return def
		}
		return v
	},
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"quote": func(v interface{}) string { return fmt.Sprintf("%q", fmt.Sprint(v)) },
	"join": func(sep string, v []interface{}) string {
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, sep)
	},
}

// CheckTemplate scans raw template text against the escape denylist.
func CheckTemplate(tmpl string) error {
	for _, re := range escapePatterns {
		if loc := re.FindStringIndex(tmpl); loc != nil {
			return &SandboxViolation{Pattern: tmpl[loc[0]:loc[1]]}
		}
	}
	return nil
}

// RenderTemplate renders tmpl over data. Data is plain maps and scalars so
// no method on a Go value is reachable; missing keys are errors.
func RenderTemplate(tmpl string, data map[string]interface{}) (string, error) {
	if err := CheckTemplate(tmpl); err != nil {
		return "", err
	}
	t, err := template.New("action").
		Funcs(sandboxFuncs).
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return "", &ValidationError{Field: "action_template", Reason: err.Error()}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", &ValidationError{Field: "action_template", Reason: err.Error()}
	}
	return strings.TrimSpace(buf.String()), nil
}
