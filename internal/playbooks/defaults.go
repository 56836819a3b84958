package playbooks

import "github.com/lvonguyen/responseforge/internal/remediation"

// Defaults returns the built-in playbooks, one per strategy
func Defaults() []*Playbook {
	meta := Metadata{Author: "Security Team", Version: "1.0"}

	notify := Step{Kind: remediation.KindNotify, Target: TargetAlert, Rationale: "Notify the on-call analyst."}
	ticket := Step{Kind: remediation.KindOpenTicket, Target: TargetAlert, Rationale: "Track the alert in a ticket."}
	contain := []Step{
		{Kind: remediation.KindBlockIP, Target: TargetSrcIP, Rationale: "Block the source address."},
		{Kind: remediation.KindDisableUser, Target: TargetUser, Rationale: "Disable the affected account."},
		{Kind: remediation.KindIsolateHost, Target: TargetHost, Rationale: "Isolate the affected host."},
	}
	forensics := Step{Kind: remediation.KindCollectForensics, Target: TargetHost, Rationale: "Collect host forensics."}

	containSteps := append(append([]Step{}, contain...), ticket)
	collectSteps := append(append(append([]Step{}, contain...), forensics), ticket)

	return []*Playbook{
		{
			ID:          "pb-observe-more",
			Name:        "Observe More",
			Description: "Low confidence: track and wait for more signal",
			Strategy:    remediation.StrategyObserveMore,
			Steps:       []Step{ticket},
			Metadata:    meta,
		},
		{
			ID:          "pb-notify-only",
			Name:        "Notify Only",
			Description: "Inform responders without touching the environment",
			Strategy:    remediation.StrategyNotifyOnly,
			Steps:       []Step{notify, ticket},
			Metadata:    meta,
		},
		{
			ID:          "pb-escalate",
			Name:        "Escalate To Human",
			Description: "Critical asset or privileged identity: hand over to an analyst",
			Strategy:    remediation.StrategyEscalateToHuman,
			Steps:       []Step{notify, ticket},
			Metadata:    meta,
		},
		{
			ID:          "pb-contain",
			Name:        "Contain",
			Description: "Contain every entity present on the alert",
			Strategy:    remediation.StrategyContain,
			Steps:       containSteps,
			Metadata:    Metadata{Author: meta.Author, Version: meta.Version, MITRETactics: []string{"TA0001", "TA0008"}},
		},
		{
			ID:          "pb-contain-collect",
			Name:        "Contain And Collect",
			Description: "Contain every entity and collect forensics from the host",
			Strategy:    remediation.StrategyContainAndCollect,
			Steps:       collectSteps,
			Metadata:    Metadata{Author: meta.Author, Version: meta.Version, MITRETactics: []string{"TA0001", "TA0008", "TA0040"}},
		},
	}
}
