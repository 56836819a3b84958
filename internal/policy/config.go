package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Rule effects
const (
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

// Rule is an operator-defined CEL expression evaluated per action
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Effect     string `yaml:"effect" json:"effect"`
}

// Config holds the policy thresholds and kind lists
type Config struct {
	MinConfidenceForAutonomy              float64                       `yaml:"minConfidenceForAutonomy" json:"minConfidenceForAutonomy"`
	RiskApprovalThreshold                 int                           `yaml:"riskApprovalThreshold" json:"riskApprovalThreshold"`
	ImpactApprovalThreshold               int                           `yaml:"impactApprovalThreshold" json:"impactApprovalThreshold"`
	MaxActionsPerPlan                     int                           `yaml:"maxActionsPerPlan" json:"maxActionsPerPlan"`
	CriticalAssetThreshold                int                           `yaml:"criticalAssetThreshold" json:"criticalAssetThreshold"`
	SafeLowConfidenceActions              []remediation.Kind            `yaml:"safeLowConfidenceActions" json:"safeLowConfidenceActions"`
	RequireApprovalInProd                 []remediation.Kind            `yaml:"requireApprovalInProd" json:"requireApprovalInProd"`
	RequireApprovalOnPrivilegedIdentities []remediation.Kind            `yaml:"requireApprovalOnPrivilegedIdentities" json:"requireApprovalOnPrivilegedIdentities"`
	RequireApprovalOnCriticalAssets       []remediation.Kind            `yaml:"requireApprovalOnCriticalAssets" json:"requireApprovalOnCriticalAssets"`
	ForbidActionsOnPrivilegedIdentities   []remediation.Kind            `yaml:"forbidActionsOnPrivilegedIdentities" json:"forbidActionsOnPrivilegedIdentities"`
	ForbidActionsOnCriticalAssets         []remediation.Kind            `yaml:"forbidActionsOnCriticalAssets" json:"forbidActionsOnCriticalAssets"`
	ForbiddenActionsByEnvironment         map[string][]remediation.Kind `yaml:"forbiddenActionsByEnvironment" json:"forbiddenActionsByEnvironment"`
	CustomRules                           []Rule                        `yaml:"customRules" json:"customRules"`
}

// DefaultConfig returns the built-in policy
func DefaultConfig() Config {
	return Config{
		MinConfidenceForAutonomy: 0.6,
		RiskApprovalThreshold:    70,
		ImpactApprovalThreshold:  70,
		MaxActionsPerPlan:        10,
		CriticalAssetThreshold:   4,
		SafeLowConfidenceActions: []remediation.Kind{remediation.KindNotify, remediation.KindOpenTicket},
		RequireApprovalInProd: []remediation.Kind{
			remediation.KindIsolateHost,
			remediation.KindDisableUser,
			remediation.KindKillProcess,
			remediation.KindQuarantineFile,
		},
		RequireApprovalOnPrivilegedIdentities: []remediation.Kind{remediation.KindDisableUser},
		RequireApprovalOnCriticalAssets:       []remediation.Kind{remediation.KindIsolateHost, remediation.KindKillProcess},
		ForbidActionsOnPrivilegedIdentities:   []remediation.Kind{},
		ForbidActionsOnCriticalAssets:         []remediation.Kind{},
		ForbiddenActionsByEnvironment:         map[string][]remediation.Kind{},
	}
}

// LoadConfig reads a policy file. A missing or unparseable file yields the
// default policy; individual malformed fields keep their defaults. The
// returned warnings describe every fallback taken.
func LoadConfig(path string) (Config, []string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), []string{fmt.Sprintf("policy file %s unavailable (%v); using defaults", path, err)}
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML (or JSON) policy document field by field
func ParseConfig(data []byte) (Config, []string) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, []string{"policy document is empty; using defaults"}
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cfg, []string{fmt.Sprintf("policy document unparseable (%v); using defaults", err)}
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []string
	for _, name := range names {
		decode, ok := fieldDecoders[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown policy field %q ignored", name))
			continue
		}
		node := doc[name]
		if err := decode(&cfg, &node); err != nil {
			warnings = append(warnings, fmt.Sprintf("policy field %q invalid (%v); using default", name, err))
		}
	}
	return cfg, warnings
}

var errOutOfRange = errors.New("value out of range")

// decodeField decodes n into a fresh T and hands it to set only when valid,
// so a bad value never leaves a half-written field behind.
func decodeField[T any](n *yaml.Node, valid func(T) bool, set func(T)) error {
	var v T
	if err := n.Decode(&v); err != nil {
		return err
	}
	if valid != nil && !valid(v) {
		return errOutOfRange
	}
	set(v)
	return nil
}

func score(v int) bool { return v >= 0 && v <= 100 }

func kinds(list []string) []remediation.Kind {
	out := make([]remediation.Kind, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, remediation.Kind(s))
		}
	}
	return out
}

func kindList(set func(*Config, []remediation.Kind)) func(*Config, *yaml.Node) error {
	return func(c *Config, n *yaml.Node) error {
		return decodeField(n, nil, func(v []string) { set(c, kinds(v)) })
	}
}

var fieldDecoders = map[string]func(*Config, *yaml.Node) error{
	"minConfidenceForAutonomy": func(c *Config, n *yaml.Node) error {
		return decodeField(n, func(v float64) bool { return v >= 0 && v <= 1 },
			func(v float64) { c.MinConfidenceForAutonomy = v })
	},
	"riskApprovalThreshold": func(c *Config, n *yaml.Node) error {
		return decodeField(n, score, func(v int) { c.RiskApprovalThreshold = v })
	},
	"impactApprovalThreshold": func(c *Config, n *yaml.Node) error {
		return decodeField(n, score, func(v int) { c.ImpactApprovalThreshold = v })
	},
	"maxActionsPerPlan": func(c *Config, n *yaml.Node) error {
		return decodeField(n, func(v int) bool { return v > 0 }, func(v int) { c.MaxActionsPerPlan = v })
	},
	"criticalAssetThreshold": func(c *Config, n *yaml.Node) error {
		return decodeField(n, func(v int) bool { return v >= 0 }, func(v int) { c.CriticalAssetThreshold = v })
	},
	"safeLowConfidenceActions":              kindList(func(c *Config, k []remediation.Kind) { c.SafeLowConfidenceActions = k }),
	"requireApprovalInProd":                 kindList(func(c *Config, k []remediation.Kind) { c.RequireApprovalInProd = k }),
	"requireApprovalOnPrivilegedIdentities": kindList(func(c *Config, k []remediation.Kind) { c.RequireApprovalOnPrivilegedIdentities = k }),
	"requireApprovalOnCriticalAssets":       kindList(func(c *Config, k []remediation.Kind) { c.RequireApprovalOnCriticalAssets = k }),
	"forbidActionsOnPrivilegedIdentities":   kindList(func(c *Config, k []remediation.Kind) { c.ForbidActionsOnPrivilegedIdentities = k }),
	"forbidActionsOnCriticalAssets":         kindList(func(c *Config, k []remediation.Kind) { c.ForbidActionsOnCriticalAssets = k }),
	"forbiddenActionsByEnvironment": func(c *Config, n *yaml.Node) error {
		return decodeField(n, nil, func(v map[string][]string) {
			out := make(map[string][]remediation.Kind, len(v))
			for env, list := range v {
				out[strings.ToLower(strings.TrimSpace(env))] = kinds(list)
			}
			c.ForbiddenActionsByEnvironment = out
		})
	},
	"customRules": func(c *Config, n *yaml.Node) error {
		return decodeField(n, func(v []Rule) bool {
			for _, r := range v {
				if r.Expression == "" || (r.Effect != EffectDeny && r.Effect != EffectRequireApproval) {
					return false
				}
			}
			return true
		}, func(v []Rule) { c.CustomRules = v })
	},
}
