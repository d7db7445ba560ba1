// Package template implements the plain-text mail-merge template format:
// a body with {column} placeholders resolved against a recipient row.
package template

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/maildrop/maildrop/internal/recipient"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Placeholders returns the unique placeholder names referenced by the
// template, in order of first appearance.
func Placeholders(tpl string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(tpl, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Render substitutes every {name} placeholder with the normalized row
// value. Rendering never fails: a placeholder with no matching column
// renders as the empty string.
func Render(tpl string, row recipient.Row) string {
	out := tpl
	for _, name := range Placeholders(tpl) {
		out = strings.ReplaceAll(out, "{"+name+"}", Normalize(row[name]))
	}
	return out
}

// Normalize converts a raw cell value to its message form. Missing or
// blank values become the empty string. A value carrying a decimal point
// that is mathematically an integer (spreadsheets routinely store IDs as
// "123.0") renders without the fractional part. Everything else is the
// trimmed string. Values without a decimal point are never re-parsed, so
// zero-padded identifiers like "00123" survive intact.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if strings.Contains(v, ".") {
		if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsInf(f, 0) && f == math.Trunc(f) {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return v
}

// Load reads the template file at path.
func Load(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("template: read %s: %w", path, err)
	}
	return string(b), nil
}

// Save overwrites the template file at path with content. No merge: the
// caller's content becomes the whole file.
func Save(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("template: write %s: %w", path, err)
	}
	return nil
}
