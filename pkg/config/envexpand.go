package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. Uses {{.VAR_NAME}} syntax instead of $VAR to avoid
// collisions with literal $ characters in branch patterns, passwords
// and shell snippets embedded in the file.
//
// Missing variables expand to an empty string; validation catches
// required fields left empty. Malformed templates pass the content
// through untouched so the YAML parser can produce its own error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
