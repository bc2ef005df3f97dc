// Package envfile renders the Resolver Dispatcher's merged
// environment-variable list to the three `generate-env` output formats
// (spec.md §6: env shell, json, dotenv), with `--for-output-dir`
// remapping of path-kind values. Grounded on
// original_source/cachi2/core/extras/envfile.py's format enum and
// shlex-quoting approach, kept as a thin collaborator per spec.md's
// scope carve-out for CLI output formats.
package envfile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/resolver"
)

// Format is a supported generate-env output format.
type Format string

const (
	FormatEnv    Format = "env"
	FormatJSON   Format = "json"
	FormatDotenv Format = "dotenv"
)

// FormatFromSuffix infers a Format from a filename suffix, mirroring the
// original implementation's EnvFormat.based_on_suffix.
func FormatFromSuffix(suffix string) (Format, error) {
	switch strings.TrimPrefix(suffix, ".") {
	case "env":
		return FormatEnv, nil
	case "json":
		return FormatJSON, nil
	case "dotenv":
		return FormatDotenv, nil
	default:
		return "", cherr.New(cherr.UnsupportedFeature, "unsupported envfile suffix %q", suffix)
	}
}

type jsonEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Generate renders vars in format, rebasing EnvPath-kind values from
// outputDir to forOutputDir when forOutputDir is non-empty.
func Generate(vars []resolver.EnvVar, format Format, outputDir, forOutputDir string) (string, error) {
	resolved := resolveValues(vars, outputDir, forOutputDir)

	switch format {
	case FormatJSON:
		entries := make([]jsonEntry, len(resolved))
		for i, ev := range resolved {
			entries[i] = jsonEntry{Name: ev.Name, Value: ev.Value}
		}
		data, err := json.Marshal(entries)
		if err != nil {
			return "", fmt.Errorf("marshaling env vars to JSON: %w", err)
		}
		return string(data), nil
	case FormatEnv:
		var b strings.Builder
		for _, ev := range resolved {
			fmt.Fprintf(&b, "export %s=%s\n", shellQuote(ev.Name), shellQuote(ev.Value))
		}
		return b.String(), nil
	case FormatDotenv:
		var b strings.Builder
		for _, ev := range resolved {
			fmt.Fprintf(&b, "%s=%s\n", ev.Name, dotenvQuote(ev.Value))
		}
		return b.String(), nil
	default:
		return "", cherr.New(cherr.UnsupportedFeature, "unsupported envfile format %q", format)
	}
}

func resolveValues(vars []resolver.EnvVar, outputDir, forOutputDir string) []resolver.EnvVar {
	out := make([]resolver.EnvVar, len(vars))
	for i, ev := range vars {
		out[i] = ev
		if ev.Kind == resolver.EnvPath && forOutputDir != "" && outputDir != "" {
			out[i].Value = strings.Replace(ev.Value, outputDir, forOutputDir, 1)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// shellQuote produces a POSIX-shell single-quoted literal, the same
// escaping Python's shlex.quote applies.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func dotenvQuote(s string) string {
	if !strings.ContainsAny(s, " \t\n\"'#") {
		return s
	}
	escaped := strings.ReplaceAll(s, `"`, `\"`)
	return `"` + escaped + `"`
}
