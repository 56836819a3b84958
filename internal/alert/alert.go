// Package alert holds the enriched alert and threat assessment inputs consumed by the
// decision engine. Values of these types are never mutated by the engine.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Alert is the canonical security alert produced by upstream mapping.
type Alert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	RuleID      string    `json:"rule_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	SrcIP       string    `json:"src_ip,omitempty"`
	DstIP       string    `json:"dst_ip,omitempty"`
	Username    string    `json:"username,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	HostID      string    `json:"host_id,omitempty"`
	ProcessName string    `json:"process_name,omitempty"`
	ProcessID   string    `json:"process_id,omitempty"`
	FileHash    string    `json:"file_hash,omitempty"`
}

// Asset describes the affected asset.
type Asset struct {
	ID          string `json:"id,omitempty"`
	Criticality int    `json:"criticality"`
	Environment string `json:"environment,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// Identity describes the affected principal.
type Identity struct {
	Username   string   `json:"username,omitempty"`
	Privileged bool     `json:"privileged"`
	Groups     []string `json:"groups,omitempty"`
}

// Indicator is a threat intelligence match attached during enrichment.
type Indicator struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	ThreatType string  `json:"threat_type,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// History summarises prior activity for the same entities.
type History struct {
	PriorAlerts int       `json:"prior_alerts"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// Context is the enrichment attached to an alert. Every part is optional.
type Context struct {
	Asset       *Asset            `json:"asset,omitempty"`
	Identity    *Identity         `json:"identity,omitempty"`
	ThreatIntel []Indicator       `json:"threat_intel,omitempty"`
	History     *History          `json:"history,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Provenance records where an enriched alert came from.
type Provenance struct {
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
	EnrichedBy []string  `json:"enriched_by,omitempty"`
}

// EnrichedAlert is an alert with its enrichment context.
type EnrichedAlert struct {
	Alert      Alert      `json:"alert"`
	Context    Context    `json:"context"`
	Provenance Provenance `json:"provenance"`
}

// Criticality returns the asset criticality, zero when no asset is known.
func (e *EnrichedAlert) Criticality() int {
	if e == nil || e.Context.Asset == nil {
		return 0
	}
	return e.Context.Asset.Criticality
}

// Privileged reports whether the affected identity is privileged.
func (e *EnrichedAlert) Privileged() bool {
	return e != nil && e.Context.Identity != nil && e.Context.Identity.Privileged
}

// Reference returns the alert id. An alert that arrived without one gets a
// stable id derived from its canonical JSON, so identical alerts share it.
func (a Alert) Reference() string {
	if a.ID != "" {
		return a.ID
	}
	raw, _ := json.Marshal(a)
	if canon, err := jcs.Transform(raw); err == nil {
		raw = canon
	}
	sum := sha256.Sum256(raw)
	return "alert-" + hex.EncodeToString(sum[:8])
}

// UserRef returns the user identifier the alert carries, preferring the username.
func (a Alert) UserRef() (key, value string) {
	if v := strings.TrimSpace(a.Username); v != "" {
		return "username", v
	}
	if v := strings.TrimSpace(a.UserID); v != "" {
		return "user_id", v
	}
	return "", ""
}

// HostRef returns the host identifier, preferring the host id.
func (a Alert) HostRef() (key, value string) {
	if v := strings.TrimSpace(a.HostID); v != "" {
		return "host_id", v
	}
	if v := strings.TrimSpace(a.Hostname); v != "" {
		return "hostname", v
	}
	return "", ""
}

// RecommendedAction is an action suggested by the scorer.
type RecommendedAction struct {
	Kind       string            `json:"kind"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Rationale  string            `json:"rationale,omitempty"`
}

// ThreatAssessment is the scorer's verdict on an alert.
type ThreatAssessment struct {
	Confidence         float64             `json:"confidence"`
	Severity           int                 `json:"severity"`
	Hypothesis         string              `json:"hypothesis,omitempty"`
	Evidence           []string            `json:"evidence,omitempty"`
	RecommendedActions []RecommendedAction `json:"recommended_actions,omitempty"`
}
