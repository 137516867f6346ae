// Package promptloader resolves the PII-extraction prompt template used by
// the LLM detector: an embedded built-in default, or a named override
// loaded from the prompts data directory, with a logged fallback to the
// built-in when an override cannot be found.
package promptloader

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"mcpconceal/internal/logger"
)

//go:embed templates/builtin_prompt.md
var builtinPrompt string

// PromptLoader loads named prompt templates from a directory, falling back
// to the embedded built-in default.
type PromptLoader struct {
	promptsDir string
	log        *logger.Logger
}

// New creates a PromptLoader rooted at promptsDir, creating the directory
// if needed and seeding it with a default.md copy of the built-in prompt so
// operators have a starting point to copy for a custom override.
func New(promptsDir string, log *logger.Logger) (*PromptLoader, error) {
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		return nil, err
	}
	l := &PromptLoader{promptsDir: promptsDir, log: log}

	defaultPath := filepath.Join(promptsDir, "default.md")
	if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
		if err := os.WriteFile(defaultPath, []byte(builtinPrompt), 0o644); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Builtin returns the embedded default prompt text, with no file access.
func Builtin() string {
	return builtinPrompt
}

// LoadPrompt resolves the template to use. A nil templateName returns the
// built-in directly without touching the filesystem. A named template is
// read from "<promptsDir>/<name>.md"; if that read fails for any reason,
// a warning is logged and the built-in is returned instead.
func (l *PromptLoader) LoadPrompt(templateName *string) string {
	if templateName == nil {
		return builtinPrompt
	}
	path := filepath.Join(l.promptsDir, *templateName+".md")
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a configured template name, not raw user input
	if err != nil {
		if l.log != nil {
			l.log.Warnf("prompt_load", "prompt template %q not found, using built-in", *templateName)
		}
		return builtinPrompt
	}
	return string(data)
}

// FormatPrompt substitutes the literal token "{text}" in template with
// text, escaping every `"` inside text as `\"` first.
func FormatPrompt(template, text string) string {
	escaped := strings.ReplaceAll(text, `"`, `\"`)
	return strings.ReplaceAll(template, "{text}", escaped)
}
