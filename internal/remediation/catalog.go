package remediation

import (
	"sort"
	"strings"
)

// ActionDefinition is the static description of one action kind
type ActionDefinition struct {
	Kind                      Kind     `json:"kind" yaml:"kind"`
	SupportsRollback          bool     `json:"supports_rollback" yaml:"supportsRollback"`
	RequiresApprovalByDefault bool     `json:"requires_approval_by_default" yaml:"requiresApprovalByDefault"`
	DefaultRisk               int      `json:"default_risk" yaml:"defaultRisk"`
	DefaultImpact             int      `json:"default_impact" yaml:"defaultImpact"`
	RequiredParameters        []string `json:"required_parameters" yaml:"requiredParameters"`
}

// Catalog maps action kinds to their definitions. It is immutable after construction.
type Catalog struct {
	defs map[Kind]ActionDefinition
}

// NewCatalog builds a catalog from definitions. Later duplicates replace earlier ones.
func NewCatalog(defs ...ActionDefinition) *Catalog {
	c := &Catalog{defs: make(map[Kind]ActionDefinition, len(defs))}
	for _, d := range defs {
		d.RequiredParameters = append([]string(nil), d.RequiredParameters...)
		c.defs[d.Kind] = d
	}
	return c
}

// DefaultCatalog returns the built-in action definitions
func DefaultCatalog() *Catalog {
	hostKeys := []string{ParamHostID, ParamHostname}
	userKeys := []string{ParamUsername, ParamUserID}
	return NewCatalog(
		ActionDefinition{Kind: KindNotify, DefaultRisk: 5, DefaultImpact: 5, RequiredParameters: []string{ParamAlertID}},
		ActionDefinition{Kind: KindOpenTicket, DefaultRisk: 5, DefaultImpact: 5, RequiredParameters: []string{ParamAlertID}},
		ActionDefinition{Kind: KindBlockIP, SupportsRollback: true, DefaultRisk: 55, DefaultImpact: 30, RequiredParameters: []string{ParamSrcIP}},
		ActionDefinition{Kind: KindUnblockIP, DefaultRisk: 10, DefaultImpact: 5, RequiredParameters: []string{ParamSrcIP}},
		ActionDefinition{Kind: KindDisableUser, SupportsRollback: true, DefaultRisk: 65, DefaultImpact: 50, RequiredParameters: userKeys},
		ActionDefinition{Kind: KindEnableUser, DefaultRisk: 15, DefaultImpact: 10, RequiredParameters: userKeys},
		ActionDefinition{Kind: KindIsolateHost, SupportsRollback: true, RequiresApprovalByDefault: true, DefaultRisk: 70, DefaultImpact: 60, RequiredParameters: hostKeys},
		ActionDefinition{Kind: KindUnisolateHost, DefaultRisk: 15, DefaultImpact: 10, RequiredParameters: hostKeys},
		ActionDefinition{Kind: KindKillProcess, RequiresApprovalByDefault: true, DefaultRisk: 85, DefaultImpact: 85,
			RequiredParameters: []string{ParamHostID, ParamHostname, ParamProcessID, ParamPID, ParamProcessName}},
		ActionDefinition{Kind: KindQuarantineFile, RequiresApprovalByDefault: true, DefaultRisk: 85, DefaultImpact: 85,
			RequiredParameters: []string{ParamFileHash, ParamHostID, ParamHostname}},
		ActionDefinition{Kind: KindCollectForensics, DefaultRisk: 35, DefaultImpact: 20, RequiredParameters: hostKeys},
	)
}

// Lookup returns the definition for kind.
func (c *Catalog) Lookup(kind Kind) (ActionDefinition, bool) {
	if c == nil {
		return ActionDefinition{}, false
	}
	d, ok := c.defs[kind]
	return d, ok
}

// Kinds lists the registered kinds in lexical order
func (c *Catalog) Kinds() []Kind {
	if c == nil {
		return nil
	}
	out := make([]Kind, 0, len(c.defs))
	for k := range c.defs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// alternates lists requirement groups where any one key satisfies the group.
// A requirement key not covered here must be present itself.
var alternates = [][]string{
	{ParamUsername, ParamUserID},
	{ParamHostID, ParamHostname},
	{ParamProcessID, ParamPID, ParamProcessName},
}

// MissingParameters reports requirement groups of def not satisfied by params.
// Each returned entry names the group, e.g. "host_id|hostname".
func MissingParameters(def ActionDefinition, params map[string]string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, key := range def.RequiredParameters {
		group := groupFor(key, def.RequiredParameters)
		name := strings.Join(group, "|")
		if seen[name] {
			continue
		}
		seen[name] = true
		if !anyPresent(params, group) {
			missing = append(missing, name)
		}
	}
	return missing
}

// groupFor returns the alternates of key that are also listed as required.
func groupFor(key string, required []string) []string {
	for _, alt := range alternates {
		if !contains(alt, key) {
			continue
		}
		var group []string
		for _, k := range alt {
			if contains(required, k) {
				group = append(group, k)
			}
		}
		return group
	}
	return []string{key}
}

func anyPresent(params map[string]string, keys []string) bool {
	for _, k := range keys {
		if strings.TrimSpace(params[k]) != "" {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var inverses = map[Kind]Kind{
	KindBlockIP:       KindUnblockIP,
	KindUnblockIP:     KindBlockIP,
	KindIsolateHost:   KindUnisolateHost,
	KindUnisolateHost: KindIsolateHost,
	KindDisableUser:   KindEnableUser,
	KindEnableUser:    KindDisableUser,
}

// InverseOf returns the kind that undoes kind, if one is known.
func InverseOf(kind Kind) (Kind, bool) {
	inv, ok := inverses[kind]
	return inv, ok
}

var kindRank = map[Kind]int{
	KindNotify:           0,
	KindOpenTicket:       1,
	KindBlockIP:          2,
	KindDisableUser:      3,
	KindIsolateHost:      4,
	KindCollectForensics: 5,
}

// Rank orders kinds from least to most destructive. Unranked kinds sort last.
func Rank(kind Kind) int {
	if r, ok := kindRank[kind]; ok {
		return r
	}
	return len(kindRank)
}
