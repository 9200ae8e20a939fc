// Package classifier evaluates extracted page content against content-risk
// rules. Evaluation is pure: the same page and rules always give the same
// verdict.
package classifier

import (
	"strings"

	"github.com/sykell/url-monitor/internal/crawler"
	"github.com/sykell/url-monitor/internal/db"
)

// Verdict is the outcome of classifying one page
type Verdict struct {
	RiskLevel db.RiskLevel  `json:"risk_level"`
	Flags     []string      `json:"flags"`
	Evidence  []db.Evidence `json:"evidence"`
}

// Classifier applies an ordered rule set
type Classifier struct {
	rules []Rule
}

// New creates a classifier over rules
func New(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Rules returns the rule set in evaluation order
func (c *Classifier) Rules() []Rule {
	return c.rules
}

// Classify evaluates page. The risk level is the highest level among matched
// rules; flags list matched rule names in rule order.
func (c *Classifier) Classify(page *crawler.Page) Verdict {
	verdict := Verdict{
		RiskLevel: db.RiskNone,
		Flags:     []string{},
		Evidence:  []db.Evidence{},
	}
	if page == nil {
		return verdict
	}

	imageText := make([]string, 0, len(page.Images))
	for _, img := range page.Images {
		imageText = append(imageText, strings.TrimSpace(img.Alt+" "+img.Src))
	}

	for i := range c.rules {
		rule := &c.rules[i]
		if rule.RequiresLoginForm && !page.HasLoginForm {
			continue
		}

		source, text, ok := rule.find(page.Title, page.Text, imageText)
		if !ok {
			continue
		}
		verdict.Flags = append(verdict.Flags, rule.Name)
		verdict.Evidence = append(verdict.Evidence, db.Evidence{Rule: rule.Name, Source: source, Snippet: text})
		if severity(rule.Level) > severity(verdict.RiskLevel) {
			verdict.RiskLevel = rule.Level
		}
	}
	return verdict
}

func (r *Rule) find(title string, lines, images []string) (string, string, bool) {
	if r.hasSource(SourceTitle) && title != "" {
		if s, ok := r.match(title); ok {
			return SourceTitle, s, true
		}
	}
	if r.hasSource(SourceText) {
		for _, line := range lines {
			if s, ok := r.match(line); ok {
				return SourceText, s, true
			}
		}
	}
	if r.hasSource(SourceImages) {
		for _, img := range images {
			if s, ok := r.match(img); ok {
				return SourceImages, s, true
			}
		}
	}
	return "", "", false
}

func severity(level db.RiskLevel) int {
	switch level {
	case db.RiskNone:
		return 0
	case db.RiskLow:
		return 1
	case db.RiskMedium:
		return 2
	case db.RiskHigh:
		return 3
	}
	return -1
}

// AtLeast reports whether level is as severe as min
func AtLeast(level, min db.RiskLevel) bool {
	return severity(level) >= severity(min)
}
