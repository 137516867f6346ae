// Command mcpconceal is a PII-anonymizing stdio proxy for MCP servers.
//
// It spawns a target MCP server as a child process and sits between it and
// the real client, rewriting detected PII in both directions of line-
// delimited JSON-RPC traffic while leaving protocol control messages
// untouched.
//
// Usage:
//
//	mcpconceal -- npx -y @some/mcp-server --flag value
//	mcpconceal --log-level debug --env API_KEY=secret -- python server.py
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mcpconceal/internal/config"
	"mcpconceal/internal/duplexproxy"
	"mcpconceal/internal/faker"
	"mcpconceal/internal/llmdetector"
	"mcpconceal/internal/logger"
	"mcpconceal/internal/pipeline"
)

var (
	flagEnv          []string
	flagCwd          string
	flagLogLevel     string
	flagConfigPath   string
	flagKeepDatabase bool
)

func main() {
	root := &cobra.Command{
		Use:   "mcpconceal -- <target command> [args...]",
		Short: "PII-anonymizing stdio proxy for MCP servers",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}
	root.Flags().StringArrayVar(&flagEnv, "env", nil, "environment variable to pass to the target process (KEY=VALUE), repeatable")
	root.Flags().StringVar(&flagCwd, "cwd", "", "working directory for the target process")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to a TOML config file")
	root.Flags().BoolVar(&flagKeepDatabase, "keep-database", false, "preserve the mapping database across runs instead of resetting it at startup")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, err := resolveConfigPath(flagConfigPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	log := logger.New("MCPCONCEAL", cfg.LogLevel)

	targetLine := strings.Join(args, " ")
	targetCommand, targetArgs, err := splitTargetCommand(targetLine)
	if err != nil {
		log.Warnf("target_split", "shell-word split failed (%v), treating entire string as one argument", err)
		targetCommand, targetArgs = targetLine, nil
	}

	envOverlay, err := parseEnvFlags(flagEnv)
	if err != nil {
		return fmt.Errorf("parse --env: %w", err)
	}

	if !flagKeepDatabase {
		if err := os.Remove(cfg.Mapping.DatabasePath); err != nil && !os.IsNotExist(err) {
			log.Warnf("database_reset", "failed to remove existing database %q: %v", cfg.Mapping.DatabasePath, err)
		} else {
			log.Infof("database_reset", "database %q reset for this run", cfg.Mapping.DatabasePath)
		}
	}

	proxy := duplexproxy.New(duplexproxy.Config{
		TargetCommand: targetCommand,
		TargetArgs:    targetArgs,
		TargetEnv:     envOverlay,
		TargetCwd:     flagCwd,

		DatabasePath:  cfg.Mapping.DatabasePath,
		RetentionDays: cfg.Mapping.RetentionDays,

		DetectionEnabled: cfg.Detection.Enabled,
		Mode:             pipeline.Mode(cfg.Detection.Mode),
		Patterns:         cfg.Detection.Patterns,
		Threshold:        cfg.Detection.ConfidenceThreshold,
		PromptsDir:       defaultPromptsDir(),
		PromptTemplate:   cfg.LLM.PromptTemplate,

		FakerConfig: faker.Config{
			Locale:      cfg.Faker.Locale,
			Seed:        cfg.Faker.Seed,
			Consistency: cfg.Faker.Consistency,
		},
		LLMConfig: llmdetector.Config{
			Endpoint: cfg.LLM.Endpoint,
			Model:    cfg.LLM.Model,
			Timeout:  time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			Enabled:  cfg.LLM.Enabled,
		},

		Log: log,
	})

	ctx := cmd.Context()
	if err := proxy.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Errorf("run", "proxy exited with error: %v", err)
		return err
	}
	return nil
}

// resolveConfigPath implements the CLI's config-resolution order: an
// explicit path wins outright; otherwise fall back to the default per-user
// config location, writing a fresh default config there if none exists
// yet. An empty string (in-memory default) is returned if the config
// directory cannot be resolved or the default config cannot be written.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", nil //nolint:nilerr // fall back to in-memory defaults
	}
	path := filepath.Join(dir, "mcpconceal", "config.toml")

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := config.WriteDefault(path); err != nil {
		return "", nil //nolint:nilerr // fall back to in-memory defaults
	}
	return path, nil
}

// defaultPromptsDir returns the directory mcpconceal looks in for prompt
// template overrides, alongside the resolved config directory.
func defaultPromptsDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mcpconceal", "prompts")
}

// parseEnvFlags parses repeated --env KEY=VALUE flags into a map.
func parseEnvFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env value %q, expected KEY=VALUE", f)
		}
		out[k] = v
	}
	return out, nil
}

// splitTargetCommand splits a target command line with shell-word
// semantics (quote- and escape-aware), mirroring the original's use of
// shell_words::split. No Go library for this appears anywhere in the
// example pack, so it is hand-rolled here; see DESIGN.md.
func splitTargetCommand(line string) (string, []string, error) {
	tokens, err := splitShellWords(line)
	if err != nil {
		return "", nil, err
	}
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("empty target command")
	}
	return tokens[0], tokens[1:], nil
}

// splitShellWords tokenizes s the way a POSIX shell would for the purposes
// of argument splitting: whitespace separates tokens, single quotes
// suppress all escaping, double quotes allow backslash escapes of `"`,
// `\`, `$`, and backtick, and backslash escapes the next character outside
// of quotes. It returns an error on an unterminated quote or a trailing
// unescaped backslash.
func splitShellWords(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	hasCur := false

	const (
		stateNone = iota
		stateSingle
		stateDouble
	)
	state := stateNone

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch state {
		case stateSingle:
			if c == '\'' {
				state = stateNone
				continue
			}
			cur.WriteRune(c)
		case stateDouble:
			switch c {
			case '"':
				state = stateNone
			case '\\':
				if i+1 < len(runes) && strings.ContainsRune(`"\$`+"`", runes[i+1]) {
					i++
					cur.WriteRune(runes[i])
				} else {
					cur.WriteRune(c)
				}
			default:
				cur.WriteRune(c)
			}
		default: // stateNone
			switch {
			case c == '\'':
				state = stateSingle
				hasCur = true
			case c == '"':
				state = stateDouble
				hasCur = true
			case c == '\\':
				if i+1 >= len(runes) {
					return nil, fmt.Errorf("trailing unescaped backslash")
				}
				i++
				cur.WriteRune(runes[i])
				hasCur = true
			case c == ' ' || c == '\t' || c == '\n':
				if hasCur {
					tokens = append(tokens, cur.String())
					cur.Reset()
					hasCur = false
				}
			default:
				cur.WriteRune(c)
				hasCur = true
			}
		}
	}

	if state != stateNone {
		return nil, fmt.Errorf("unterminated quote")
	}
	if hasCur {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
