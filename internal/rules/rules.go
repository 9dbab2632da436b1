// Package rules classifies free-text transaction descriptions into
// categories using an ordered list of keyword or regex matchers.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Matcher types understood by Match.
const (
	MatcherKeyword = "keyword"
	MatcherRegex   = "regex"
)

// Rule is a single ordered classification definition. For a keyword rule the
// Matcher field holds a comma-separated keyword list; for a regex rule it
// holds the pattern.
type Rule struct {
	Matcher     string `yaml:"matcher"`
	MatcherType string `yaml:"matcher_type"`
	Category    string `yaml:"category"`
	Necessary   bool   `yaml:"necessary"`
}

type document struct {
	Rules []Rule `yaml:"rules"`
}

// Load parses a YAML rules document with a top-level "rules" list. An empty
// or absent document yields no rules, not an error.
func Load(b []byte) ([]Rule, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules document: %w", err)
	}
	for i := range doc.Rules {
		if doc.Rules[i].MatcherType == "" {
			doc.Rules[i].MatcherType = MatcherKeyword
		}
	}
	return doc.Rules, nil
}

// Match evaluates rules in order against text and returns the first rule
// whose predicate is satisfied. Keyword rules match when any keyword is a
// case-insensitive substring of text. Regex rules match case-insensitively;
// an invalid pattern is logged and skipped, never fatal.
func Match(text string, list []Rule, log zerolog.Logger) (Rule, bool) {
	lowered := strings.ToLower(text)

	for _, r := range list {
		if r.Matcher == "" {
			continue
		}
		switch r.MatcherType {
		case MatcherRegex:
			re, err := regexp.Compile("(?i)" + r.Matcher)
			if err != nil {
				log.Warn().Str("matcher", r.Matcher).Err(err).Msg("skipping rule with invalid regex")
				continue
			}
			if re.MatchString(text) {
				return r, true
			}
		default: // keyword
			for _, kw := range strings.Split(r.Matcher, ",") {
				kw = strings.TrimSpace(kw)
				if kw == "" {
					continue
				}
				if strings.Contains(lowered, strings.ToLower(kw)) {
					return r, true
				}
			}
		}
	}
	return Rule{}, false
}
