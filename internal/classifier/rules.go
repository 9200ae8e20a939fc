package classifier

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sykell/url-monitor/internal/db"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rule sources
const (
	SourceTitle  = "title"
	SourceText   = "text"
	SourceImages = "images"
)

// Rule is one named content-risk check
type Rule struct {
	Name              string       `yaml:"name"`
	Level             db.RiskLevel `yaml:"level"`
	Keywords          []string     `yaml:"keywords"`
	Patterns          []string     `yaml:"patterns"`
	Sources           []string     `yaml:"sources"`
	RequiresLoginForm bool         `yaml:"requires_login_form"`

	keywords []string
	patterns []*regexp.Regexp
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule file. An empty path yields the embedded defaults.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return ParseRules(defaultRulesYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// DefaultRules returns the embedded rule set
func DefaultRules() []Rule {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rules are invalid: %v", err))
	}
	return rules
}

// ParseRules decodes and compiles a YAML rule set
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rule set is empty")
	}

	seen := make(map[string]bool, len(file.Rules))
	for i := range file.Rules {
		if err := file.Rules[i].compile(); err != nil {
			return nil, err
		}
		if seen[file.Rules[i].Name] {
			return nil, fmt.Errorf("duplicate rule %q", file.Rules[i].Name)
		}
		seen[file.Rules[i].Name] = true
	}
	return file.Rules, nil
}

func (r *Rule) compile() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule without name")
	}
	if severity(r.Level) <= severity(db.RiskNone) {
		return fmt.Errorf("rule %q: level must be low, medium or high", r.Name)
	}
	if len(r.Keywords) == 0 && len(r.Patterns) == 0 {
		return fmt.Errorf("rule %q: needs keywords or patterns", r.Name)
	}
	if len(r.Sources) == 0 {
		r.Sources = []string{SourceTitle, SourceText, SourceImages}
	}
	for _, src := range r.Sources {
		switch src {
		case SourceTitle, SourceText, SourceImages:
		default:
			return fmt.Errorf("rule %q: unknown source %q", r.Name, src)
		}
	}

	r.keywords = make([]string, 0, len(r.Keywords))
	for _, kw := range r.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			r.keywords = append(r.keywords, kw)
		}
	}
	r.patterns = make([]*regexp.Regexp, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("rule %q: bad pattern %q: %w", r.Name, p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return nil
}

func (r *Rule) hasSource(src string) bool {
	for _, s := range r.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// match returns the first snippet of text that triggers the rule
func (r *Rule) match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range r.keywords {
		if idx := strings.Index(lower, kw); idx >= 0 {
			return snippet(text, idx, idx+len(kw)), true
		}
	}
	for _, re := range r.patterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return snippet(text, loc[0], loc[1]), true
		}
	}
	return "", false
}

const snippetContext = 60

// snippet cuts the match plus some surrounding context out of text
func snippet(text string, start, end int) string {
	// lowercasing can change byte lengths for some scripts
	if start > len(text) || end > len(text) {
		return truncate(text, 2*snippetContext)
	}
	from := start - snippetContext
	if from < 0 {
		from = 0
	}
	to := end + snippetContext
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !isRuneStart(text[from]) {
		from--
	}
	for to < len(text) && !isRuneStart(text[to]) {
		to++
	}
	return strings.TrimSpace(text[from:to])
}

func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !isRuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
