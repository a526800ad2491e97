package approval

type Policy struct {
	Tier                 Tier `json:"tier"`
	RequiresApproval     bool `json:"requires_approval"`
	RequiresDualApproval bool `json:"requires_dual_approval"`
	NotifyAdmin          bool `json:"notify_admin"`
}

// RequiredApprovers is the number of distinct approvers the gate needs.
func (p Policy) RequiredApprovers() int {
	switch {
	case p.RequiresDualApproval:
		return 2
	case p.RequiresApproval:
		return 1
	default:
		return 0
	}
}

var (
	tier0 = Policy{Tier: Tier0Auto}
	tier1 = Policy{Tier: Tier1Notify, NotifyAdmin: true}
	tier2 = Policy{Tier: Tier2Single, RequiresApproval: true, NotifyAdmin: true}
	tier3 = Policy{Tier: Tier3Dual, RequiresApproval: true, RequiresDualApproval: true, NotifyAdmin: true}
)

// DefaultPolicies maps operations to their tier.
var DefaultPolicies = map[string]Policy{
	"estimate.generate":        tier0,
	"estimate.view":            tier0,
	"gaps.analyze":             tier0,
	"estimate.export":          tier1,
	"symbol_pack.update":       tier1,
	"estimate.dispatch":        tier2,
	"project_override.update":  tier2,
	"detection.bulk_reject":    tier2,
	"estimate.delete":          tier3,
	"task_library.publish":     tier3,
	"contract.change":          tier3,
	"approval_policy.override": tier3,
}

// PolicyFor returns the policy for op. Unknown operations get tier 2.
func PolicyFor(policies map[string]Policy, op string) Policy {
	if p, ok := policies[op]; ok {
		return p
	}
	return tier2
}
