// Package authz decides whether a subject may perform an action on an object
// within an audience. Rules come from a YAML file that can be reloaded live.
package authz

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrDenied is returned (wrapped) when no rule grants the request.
var ErrDenied = errors.New("access denied")

// Authorizer is what state-mutating entry points consult before acting.
// On success it returns the time the decision took.
type Authorizer interface {
	Authorize(ctx context.Context, audience, subject string, object []string, action string) (time.Duration, error)
}

// Rule grants or denies actions on objects matching Object.
// Object segments match exactly or via "*"; a trailing "**" matches any suffix.
type Rule struct {
	Effect    string   `yaml:"effect"`
	Audiences []string `yaml:"audiences"`
	Subjects  []string `yaml:"subjects"`
	Object    []string `yaml:"object"`
	Actions   []string `yaml:"actions"`
}

// Policy is the serializable rule set.
type Policy struct {
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// Default denies everything.
func Default() Policy {
	return Policy{Default: "deny"}
}

var knownActions = map[string]struct{}{
	"*":      {},
	"create": {},
	"read":   {},
	"update": {},
	"delete": {},
	"list":   {},
}

// Load reads a policy file. A missing or empty file yields Default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read authz policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse authz policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	switch normalize(p.Default) {
	case "", "deny", "allow":
	default:
		return fmt.Errorf("authz default must be allow or deny, got %q", p.Default)
	}
	for i, r := range p.Rules {
		switch normalize(r.Effect) {
		case "", "allow", "deny":
		default:
			return fmt.Errorf("rule %d: unknown effect %q", i, r.Effect)
		}
		if len(r.Actions) == 0 {
			return fmt.Errorf("rule %d: actions are required", i)
		}
		for _, a := range r.Actions {
			if _, ok := knownActions[normalize(a)]; !ok {
				return fmt.Errorf("rule %d: unknown action %q", i, a)
			}
		}
	}
	return nil
}

// Allow reports whether the request is granted. Deny rules win over allow rules.
func (p Policy) Allow(audience, subject string, object []string, action string) bool {
	audience, subject, action = normalize(audience), normalize(subject), normalize(action)
	allowed := false
	for _, r := range p.Rules {
		if !r.matches(audience, subject, object, action) {
			continue
		}
		if normalize(r.Effect) == "deny" {
			return false
		}
		allowed = true
	}
	if allowed {
		return true
	}
	return normalize(p.Default) == "allow"
}

// Authorize implements Authorizer for a static policy.
func (p Policy) Authorize(_ context.Context, audience, subject string, object []string, action string) (time.Duration, error) {
	start := time.Now()
	if !p.Allow(audience, subject, object, action) {
		return time.Since(start), fmt.Errorf("%w: %s may not %s %s in %s",
			ErrDenied, subject, action, strings.Join(object, "/"), audience)
	}
	return time.Since(start), nil
}

func (r Rule) matches(audience, subject string, object []string, action string) bool {
	if !matchAny(r.Audiences, audience) || !matchAny(r.Subjects, subject) || !matchAny(r.Actions, action) {
		return false
	}
	return matchObject(r.Object, object)
}

// matchAny treats an empty list as a wildcard.
func matchAny(patterns []string, v string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		p = normalize(p)
		if p == "*" || p == v {
			return true
		}
	}
	return false
}

func matchObject(pattern, object []string) bool {
	for i, seg := range pattern {
		if seg == "**" {
			return true
		}
		if i >= len(object) {
			return false
		}
		if seg != "*" && seg != object[i] {
			return false
		}
	}
	return len(pattern) == len(object)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LivePolicy wraps a Policy with thread-safe replacement.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) Authorize(ctx context.Context, audience, subject string, object []string, action string) (time.Duration, error) {
	lp.mu.RLock()
	p := lp.data
	lp.mu.RUnlock()
	return p.Authorize(ctx, audience, subject, object, action)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return versionFor(lp.data)
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func versionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default=" + normalize(p.Default) + "|"))
	for _, r := range p.Rules {
		fmt.Fprintf(h, "%s|%v|%v|%v|%v|", normalize(r.Effect), r.Audiences, r.Subjects, r.Object, r.Actions)
	}
	return "authz-" + strconv.FormatUint(h.Sum64(), 16)
}
