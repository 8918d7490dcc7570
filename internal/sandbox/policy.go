// Package sandbox validates and runs program+args invocations under an
// immutable SecurityPolicy. Nothing in this package ever goes through a shell.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

var defaultAllowedPrograms = []string{
	"cat", "echo", "false", "git", "go", "gofmt", "golangci-lint", "grep",
	"jq", "ls", "make", "mypy", "node", "npm", "npx", "pip", "pytest",
	"python", "python3", "ruff", "sleep", "true", "uv",
}

// Each entry is a family: root deletion, dynamic eval/exec, device writes,
// command substitution, pipe-to-shell, permission widening.
var defaultDangerousPatterns = []string{
	`\brm\s+(-[A-Za-z]+\s+)*-[A-Za-z]*[rRfF][A-Za-z]*\s+(-[A-Za-z]+\s+)*/(\*|\s|$)`,
	`\brm\s+(-[A-Za-z]+\s+)*--no-preserve-root\b`,
	`\beval\b`,
	`\bexec\b`,
	`>\s*/dev/(sd|hd|nvme|disk|xvd)`,
	`\bof=/dev/(sd|hd|nvme|disk|xvd)`,
	`\bmkfs(\.[a-z0-9]+)?\b`,
	`\$\(`,
	"`",
	`\|\s*(sudo\s+)?(sh|bash|zsh|ksh|dash|fish)\b`,
	`\bchmod\s+(-[A-Za-z]+\s+)*0?777\b`,
	`\bchmod\s+(-[A-Za-z]+\s+)*a\+rwx\b`,
	`:\(\)\s*\{`,
}

var defaultEnvAllowlist = []string{
	"PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM", "TMPDIR", "TZ",
	"GOPATH", "GOCACHE", "GOMODCACHE", "GOFLAGS", "GOPROXY",
	"PYTHONPATH", "VIRTUAL_ENV", "NODE_ENV",
	"GITHUB_TOKEN", "GH_TOKEN", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
	"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN", "AWS_REGION",
	"SSH_AUTH_SOCK",
}

// SecurityPolicy is an immutable allow-list plus dangerous-pattern set.
// Construct it with DefaultPolicy, NewPolicy or LoadPolicy; the zero value allows nothing.
type SecurityPolicy struct {
	programs map[string]struct{}
	patterns []*regexp.Regexp
	envKeys  []string
}

// NewPolicy compiles a policy. Inputs are copied; later mutation by the caller has no effect.
func NewPolicy(programs, patterns, envKeys []string) (SecurityPolicy, error) {
	p := SecurityPolicy{programs: make(map[string]struct{}, len(programs))}
	for _, prog := range programs {
		if prog == "" {
			return SecurityPolicy{}, errors.New("allowed program must not be empty")
		}
		p.programs[prog] = struct{}{}
	}
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return SecurityPolicy{}, fmt.Errorf("compile dangerous pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, re)
	}
	keys := slices.Clone(envKeys)
	sort.Strings(keys)
	p.envKeys = slices.Compact(keys)
	return p, nil
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() SecurityPolicy {
	p, err := NewPolicy(defaultAllowedPrograms, defaultDangerousPatterns, defaultEnvAllowlist)
	if err != nil {
		panic(fmt.Sprintf("default security policy: %v", err))
	}
	return p
}

// DefaultDangerousPatterns returns a copy of the built-in pattern sources.
func DefaultDangerousPatterns() []string {
	return slices.Clone(defaultDangerousPatterns)
}

type policyDocument struct {
	ExtendsDefault    bool     `yaml:"extends_default"`
	AllowedPrograms   []string `yaml:"allowed_programs"`
	DangerousPatterns []string `yaml:"dangerous_patterns"`
	EnvAllowlist      []string `yaml:"env_allowlist"`
}

// LoadPolicy reads a per-deployment policy file. With extends_default the
// listed entries are added to the built-in policy; otherwise they replace it.
func LoadPolicy(path string) (SecurityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("read policy: %w", err)
	}
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return SecurityPolicy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	programs, patterns, envKeys := doc.AllowedPrograms, doc.DangerousPatterns, doc.EnvAllowlist
	if doc.ExtendsDefault {
		programs = append(slices.Clone(defaultAllowedPrograms), programs...)
		patterns = append(slices.Clone(defaultDangerousPatterns), patterns...)
		envKeys = append(slices.Clone(defaultEnvAllowlist), envKeys...)
	}
	return NewPolicy(programs, patterns, envKeys)
}

// Allows reports whether program is a literal allow-listed token.
func (p SecurityPolicy) Allows(program string) bool {
	_, ok := p.programs[program]
	return ok
}

// MatchDangerous returns the first pattern matching rendered, if any.
func (p SecurityPolicy) MatchDangerous(rendered string) (string, bool) {
	for _, re := range p.patterns {
		if re.MatchString(rendered) {
			return re.String(), true
		}
	}
	return "", false
}

// EnvKeys returns a sorted copy of the environment allow-list.
func (p SecurityPolicy) EnvKeys() []string {
	return slices.Clone(p.envKeys)
}

// Programs returns a sorted copy of the program allow-list.
func (p SecurityPolicy) Programs() []string {
	out := make([]string, 0, len(p.programs))
	for prog := range p.programs {
		out = append(out, prog)
	}
	sort.Strings(out)
	return out
}
