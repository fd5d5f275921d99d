// Package deadletter parks operations and outbox entries that exhausted
// their retry budget, classifies them against the failure catalog, and
// feeds the recovery pipeline.
package deadletter

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/aocs/core/internal/core"
)

// Rule is one catalog entry. Empty fields are wildcards; a rule matches
// when every non-empty field matches the dead letter.
type Rule struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Skill   string `yaml:"skill"`
	Message string `yaml:"message"` // regexp over the last error
	// Priority breaks ties between equally specific rules.
	Priority   int    `yaml:"priority"`
	Replayable bool   `yaml:"replayable"`
	Action     string `yaml:"action"` // suggested recovery action
	// Transform parameterises the action, e.g. {"skill": "email.v2"} for
	// route_to_alt_skill or a params patch for retry_with_transform.
	Transform map[string]interface{} `yaml:"transform"`

	messageRE *regexp.Regexp
}

// specificity counts constrained fields; the most constrained matching
// rule wins.
func (r *Rule) specificity() int {
	n := 0
	if r.Kind != "" {
		n++
	}
	if r.Skill != "" {
		n++
	}
	if r.Message != "" {
		n++
	}
	return n
}

func (r *Rule) matches(kind core.FailureKind, skill, lastError string) bool {
	if r.Kind != "" && r.Kind != string(kind) {
		return false
	}
	if r.Skill != "" && r.Skill != skill {
		return false
	}
	if r.messageRE != nil && !r.messageRE.MatchString(lastError) {
		return false
	}
	return true
}

// Catalog is the known-failure rulebook. Rules can be reloaded at
// runtime; the maintenance loop re-classifies unmatched dead letters
// after a reload.
type Catalog struct {
	mu    sync.RWMutex
	rules []*Rule
}

func NewCatalog(rules []*Rule) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(rules); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog reads rules from a YAML file. A missing path yields an
// empty catalog: everything dead-letters unmatched until rules exist.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewCatalog(nil)
		}
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var doc struct {
		Rules []*Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewCatalog(doc.Rules)
}

// Replace swaps the rule set atomically.
func (c *Catalog) Replace(rules []*Rule) error {
	compiled := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("catalog rule missing name")
		}
		cp := *r
		if cp.Message != "" {
			re, err := regexp.Compile(cp.Message)
			if err != nil {
				return fmt.Errorf("catalog rule %s: bad message pattern: %w", cp.Name, err)
			}
			cp.messageRE = re
		}
		compiled = append(compiled, &cp)
	}
	// Pre-sort so Match can return the first hit: most specific first,
	// then highest priority, then name for determinism.
	sort.SliceStable(compiled, func(i, j int) bool {
		si, sj := compiled[i].specificity(), compiled[j].specificity()
		if si != sj {
			return si > sj
		}
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].Name < compiled[j].Name
	})
	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	return nil
}

// Match returns the winning rule for a failure, or nil when no rule
// applies.
func (c *Catalog) Match(kind core.FailureKind, skill, lastError string) *Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.matches(kind, skill, lastError) {
			return r
		}
	}
	return nil
}

// Rule returns the rule with the given name, or nil.
func (c *Catalog) Rule(name string) *Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Len reports the rule count.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}
