package review

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// Rule maps payload indicators to a canned assessment.
type Rule struct {
	ID              string   `yaml:"id" json:"id"`
	Name            string   `yaml:"name" json:"name"`
	Match           []string `yaml:"match" json:"match"` // any substring, case-insensitive
	Narrative       string   `yaml:"narrative" json:"narrative"`
	Mitigation      string   `yaml:"mitigation" json:"mitigation"`
	Confidence      float64  `yaml:"confidence" json:"confidence"`
	MITRETechniques []string `yaml:"mitre_techniques" json:"mitre_techniques"`
}

// RuleSet is the on-disk layout of a rules file.
type RuleSet struct {
	Rules    []Rule `yaml:"rules"`
	Fallback *Rule  `yaml:"fallback"`
}

// PlaybookEngine is a deterministic, offline Engine. Rules are evaluated in
// load order and the first match wins; unmatched payloads get the fallback.
type PlaybookEngine struct {
	mu       sync.RWMutex
	rules    []Rule
	fallback Rule
	logger   *zap.Logger
}

// NewPlaybookEngine creates an engine loaded with the built-in rules.
func NewPlaybookEngine(logger *zap.Logger) *PlaybookEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	pe := &PlaybookEngine{logger: logger}
	pe.loadDefaultRules()
	return pe
}

// Review implements Engine.
func (pe *PlaybookEngine) Review(ctx context.Context, payload string) (*telemetry.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rule := pe.match(payload)
	pe.logger.Debug("playbook rule selected",
		zap.String("rule_id", rule.ID),
		zap.Strings("mitre_techniques", rule.MITRETechniques),
	)

	return &telemetry.Assessment{
		Narrative:  rule.Narrative,
		Mitigation: rule.Mitigation,
		Confidence: rule.Confidence,
	}, nil
}

func (pe *PlaybookEngine) match(payload string) Rule {
	lower := strings.ToLower(payload)

	pe.mu.RLock()
	defer pe.mu.RUnlock()

	for _, rule := range pe.rules {
		for _, needle := range rule.Match {
			if needle != "" && strings.Contains(lower, strings.ToLower(needle)) {
				return rule
			}
		}
	}
	return pe.fallback
}

// Rules returns a copy of the loaded rules.
func (pe *PlaybookEngine) Rules() []Rule {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	out := make([]Rule, len(pe.rules))
	copy(out, pe.rules)
	return out
}

// LoadRules parses a YAML rule set. Rules whose ID is already loaded are
// replaced in place; new rules are appended. A fallback, if present,
// replaces the current one.
func (pe *PlaybookEngine) LoadRules(yamlData []byte) error {
	var rs RuleSet
	if err := yaml.Unmarshal(yamlData, &rs); err != nil {
		return fmt.Errorf("parsing rules YAML: %w", err)
	}

	for i := range rs.Rules {
		if err := validateRule(&rs.Rules[i]); err != nil {
			return err
		}
	}
	if rs.Fallback != nil {
		if err := validateRule(rs.Fallback); err != nil {
			return err
		}
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()

	for _, r := range rs.Rules {
		replaced := false
		for i := range pe.rules {
			if pe.rules[i].ID == r.ID {
				pe.rules[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			pe.rules = append(pe.rules, r)
		}
		pe.logger.Info("Review rule loaded",
			zap.String("id", r.ID),
			zap.String("name", r.Name),
		)
	}
	if rs.Fallback != nil {
		pe.fallback = *rs.Fallback
	}

	return nil
}

// LoadRulesFile reads and loads a YAML rules file.
func (pe *PlaybookEngine) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}
	return pe.LoadRules(data)
}

func validateRule(r *Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule %q: id is required", r.Name)
	}
	if r.Mitigation == "" {
		return fmt.Errorf("rule %s: mitigation is required", r.ID)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %v outside [0,1]", r.ID, r.Confidence)
	}
	return nil
}

func (pe *PlaybookEngine) loadDefaultRules() {
	pe.rules = []Rule{
		{
			ID:   "rv-download-exec-001",
			Name: "Payload download via command-line client",
			Match: []string{
				"wget ", "curl ", "wget -q", "curl -s", "invoke-webrequest", "certutil -urlcache",
			},
			Narrative: "High-confidence anomaly: command line resembles a malware payload " +
				"download using a command-line HTTP client.",
			Mitigation: "Isolate host and terminate the process. Check for network " +
				"exfiltration and persistence scripts.",
			Confidence:      0.9,
			MITRETechniques: []string{"T1105", "T1059.004"},
		},
		{
			ID:   "rv-reverse-shell-001",
			Name: "Reverse shell",
			Match: []string{
				"/dev/tcp/", "nc -e", "ncat -e", "bash -i", "sh -i", "mkfifo",
			},
			Narrative:       "Process arguments match a reverse shell pattern.",
			Mitigation:      "Isolate host, kill the shell process and block the remote endpoint at the perimeter.",
			Confidence:      0.95,
			MITRETechniques: []string{"T1059", "T1571"},
		},
		{
			ID:   "rv-credential-access-001",
			Name: "Credential store access",
			Match: []string{
				"/etc/shadow", "mimikatz", "lsass", "sekurlsa", "id_rsa",
			},
			Narrative:       "Access to a credential store by an unexpected process.",
			Mitigation:      "Rotate credentials for affected accounts and review authentication logs for reuse.",
			Confidence:      0.85,
			MITRETechniques: []string{"T1003", "T1552.004"},
		},
		{
			ID:   "rv-dns-c2-001",
			Name: "Suspicious DNS resolution",
			Match: []string{
				"query=malicious-", ".onion", "dga-", "dnscat", "iodine",
			},
			Narrative: "DNS query for a domain associated with command-and-control or " +
				"algorithmically generated infrastructure.",
			Mitigation:      "Sinkhole the domain, block it at the resolver and review the originating host for implants.",
			Confidence:      0.8,
			MITRETechniques: []string{"T1071.004", "T1568.002"},
		},
	}

	pe.fallback = Rule{
		ID:         "rv-default",
		Name:       "Unclassified anomaly",
		Narrative:  "Low-confidence event; activity does not match a known playbook.",
		Mitigation: "Monitor this host for 24 hours; no immediate action required.",
		Confidence: 0.2,
	}
}
