// Package playbooks provides the per-strategy response playbooks used to seed plans
package playbooks

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/responseforge/internal/alert"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Target names the alert entity a step acts on
type Target string

const (
	TargetAlert   Target = "alert"
	TargetSrcIP   Target = "src_ip"
	TargetUser    Target = "user"
	TargetHost    Target = "host"
	TargetProcess Target = "process"
	TargetFile    Target = "file"
)

// Playbook is the ordered seed of actions for one strategy
type Playbook struct {
	ID          string               `yaml:"id" json:"id"`
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description" json:"description"`
	Strategy    remediation.Strategy `yaml:"strategy" json:"strategy"`
	Steps       []Step               `yaml:"steps" json:"steps"`
	Metadata    Metadata             `yaml:"metadata" json:"metadata"`
}

// Step seeds one action. It is skipped when its target entity is absent from the alert.
type Step struct {
	Kind      remediation.Kind `yaml:"kind" json:"kind"`
	Target    Target           `yaml:"target" json:"target"`
	Rationale string           `yaml:"rationale" json:"rationale"`
}

// Metadata contains playbook metadata
type Metadata struct {
	Author       string   `yaml:"author" json:"author"`
	Version      string   `yaml:"version" json:"version"`
	MITRETactics []string `yaml:"mitre_tactics" json:"mitre_tactics"`
}

// Manager holds one playbook per strategy
type Manager struct {
	mu        sync.RWMutex
	playbooks map[remediation.Strategy]*Playbook
	logger    *zap.Logger
}

// NewManager creates a manager loaded with the default playbooks
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		playbooks: make(map[remediation.Strategy]*Playbook),
		logger:    logger,
	}
	for _, pb := range Defaults() {
		m.playbooks[pb.Strategy] = pb
	}
	return m
}

// Get returns the playbook for a strategy
func (m *Manager) Get(strategy remediation.Strategy) (*Playbook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.playbooks[strategy]
	return pb, ok
}

// List returns all playbooks ordered by strategy name
func (m *Manager) List() []*Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Playbook, 0, len(m.playbooks))
	for _, pb := range m.playbooks {
		result = append(result, pb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Strategy < result[j].Strategy })
	return result
}

// Load parses a YAML document holding one playbook or a list of playbooks and
// replaces the playbooks for the strategies it names.
func (m *Manager) Load(yamlData []byte) error {
	var many []Playbook
	if err := yaml.Unmarshal(yamlData, &many); err != nil {
		var one Playbook
		if err1 := yaml.Unmarshal(yamlData, &one); err1 != nil {
			return fmt.Errorf("parsing playbook YAML: %w", err1)
		}
		many = []Playbook{one}
	}

	for i := range many {
		if err := validate(&many[i]); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range many {
		pb := many[i]
		m.playbooks[pb.Strategy] = &pb
		m.logger.Info("Playbook loaded",
			zap.String("id", pb.ID),
			zap.String("strategy", string(pb.Strategy)),
			zap.Int("steps", len(pb.Steps)),
		)
	}
	return nil
}

// LoadFile loads playbooks from a YAML file
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading playbooks: %w", err)
	}
	return m.Load(data)
}

// Export exports the playbook of a strategy to YAML
func (m *Manager) Export(strategy remediation.Strategy) ([]byte, error) {
	pb, ok := m.Get(strategy)
	if !ok {
		return nil, fmt.Errorf("playbook not found: %s", strategy)
	}
	return yaml.Marshal(pb)
}

func validate(pb *Playbook) error {
	known := false
	for _, s := range remediation.Strategies() {
		if pb.Strategy == s {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("playbook %q: unknown strategy %q", pb.ID, pb.Strategy)
	}
	for i, st := range pb.Steps {
		switch st.Target {
		case TargetAlert, TargetSrcIP, TargetUser, TargetHost, TargetProcess, TargetFile:
		default:
			return fmt.Errorf("playbook %q step %d: unknown target %q", pb.ID, i, st.Target)
		}
		if st.Kind == "" {
			return fmt.Errorf("playbook %q step %d: kind is required", pb.ID, i)
		}
	}
	return nil
}

// Resolve returns the action parameters for target drawn from a.
// ok is false when the alert lacks the entity.
func Resolve(target Target, a alert.Alert) (map[string]string, bool) {
	switch target {
	case TargetAlert:
		if a.ID == "" {
			return nil, false
		}
		return map[string]string{remediation.ParamAlertID: a.ID}, true
	case TargetSrcIP:
		if a.SrcIP == "" {
			return nil, false
		}
		return map[string]string{remediation.ParamSrcIP: a.SrcIP}, true
	case TargetUser:
		k, v := a.UserRef()
		if v == "" {
			return nil, false
		}
		return map[string]string{k: v}, true
	case TargetHost:
		k, v := a.HostRef()
		if v == "" {
			return nil, false
		}
		return map[string]string{k: v}, true
	case TargetProcess:
		hk, hv := a.HostRef()
		if hv == "" {
			return nil, false
		}
		params := map[string]string{hk: hv}
		switch {
		case a.ProcessID != "":
			params[remediation.ParamProcessID] = a.ProcessID
		case a.ProcessName != "":
			params[remediation.ParamProcessName] = a.ProcessName
		default:
			return nil, false
		}
		return params, true
	case TargetFile:
		hk, hv := a.HostRef()
		if hv == "" || a.FileHash == "" {
			return nil, false
		}
		return map[string]string{hk: hv, remediation.ParamFileHash: a.FileHash}, true
	}
	return nil, false
}

// TargetOf returns the entity a kind acts on. Unknown kinds report false.
func TargetOf(kind remediation.Kind) (Target, bool) {
	switch kind {
	case remediation.KindNotify, remediation.KindOpenTicket:
		return TargetAlert, true
	case remediation.KindBlockIP, remediation.KindUnblockIP:
		return TargetSrcIP, true
	case remediation.KindDisableUser, remediation.KindEnableUser:
		return TargetUser, true
	case remediation.KindIsolateHost, remediation.KindUnisolateHost, remediation.KindCollectForensics:
		return TargetHost, true
	case remediation.KindKillProcess:
		return TargetProcess, true
	case remediation.KindQuarantineFile:
		return TargetFile, true
	}
	return "", false
}
