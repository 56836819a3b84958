// Package remediation defines the shared action schema used by the planner,
// the policy engine and the execution pipeline.
package remediation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Kind identifies a remediation operation
type Kind string

const (
	KindNotify           Kind = "notify"
	KindOpenTicket       Kind = "open_ticket"
	KindBlockIP          Kind = "block_ip"
	KindUnblockIP        Kind = "unblock_ip"
	KindDisableUser      Kind = "disable_user"
	KindEnableUser       Kind = "enable_user"
	KindIsolateHost      Kind = "isolate_host"
	KindUnisolateHost    Kind = "unisolate_host"
	KindKillProcess      Kind = "kill_process"
	KindQuarantineFile   Kind = "quarantine_file"
	KindCollectForensics Kind = "collect_forensics"
)

// Parameter keys understood by the catalog and the executors.
const (
	ParamAlertID     = "alert_id"
	ParamSrcIP       = "src_ip"
	ParamUsername    = "username"
	ParamUserID      = "user_id"
	ParamHostID      = "host_id"
	ParamHostname    = "hostname"
	ParamProcessID   = "process_id"
	ParamPID         = "pid"
	ParamProcessName = "process_name"
	ParamFileHash    = "file_hash"
)

// idLength is the number of hex characters kept from the digest.
const idLength = 32

// PlannedAction is a concrete, scored action inside a DecisionPlan.
type PlannedAction struct {
	ID         string            `json:"action_id" yaml:"actionId"`
	Kind       Kind              `json:"kind" yaml:"kind"`
	Risk       int               `json:"risk" yaml:"risk"`
	Impact     int               `json:"impact" yaml:"impact"`
	Reversible bool              `json:"reversible" yaml:"reversible"`
	Duration   *time.Duration    `json:"duration,omitempty" yaml:"duration,omitempty"`
	Parameters map[string]string `json:"parameters" yaml:"parameters"`
	Rationale  string            `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// NewPlannedAction builds an action with a derived id. The parameter map is copied.
func NewPlannedAction(kind Kind, params map[string]string, rationale string) PlannedAction {
	p := CopyParams(params)
	return PlannedAction{
		ID:         ActionID(kind, p),
		Kind:       kind,
		Parameters: p,
		Rationale:  rationale,
	}
}

// ActionID derives the deterministic identity of (kind, params).
//
// Parameters are serialised in canonical JSON, so keys are sorted and the
// result does not depend on map iteration or insertion order.
func ActionID(kind Kind, params map[string]string) string {
	sum := sha256.Sum256(canonical(kind, params))
	return hex.EncodeToString(sum[:])[:idLength]
}

// canonical encodes (kind, params) as RFC 8785 JSON. Marshalling string
// maps and transforming the result cannot fail, so errors are discarded.
func canonical(kind Kind, params map[string]string) []byte {
	if params == nil {
		params = map[string]string{}
	}
	raw, _ := json.Marshal(struct {
		Kind       Kind              `json:"kind"`
		Parameters map[string]string `json:"parameters"`
	}{kind, params})
	out, _ := jcs.Transform(raw)
	return out
}

// CopyParams returns a shallow copy of params; nil stays empty, not nil.
func CopyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// SameParams reports whether two parameter maps hold identical entries.
func SameParams(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Param returns the first non-empty value among keys.
func (a PlannedAction) Param(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(a.Parameters[k]); v != "" {
			return v
		}
	}
	return ""
}
