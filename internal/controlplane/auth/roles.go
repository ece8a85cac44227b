// Package auth resolves request identity (API key, bearer JWT, or session
// cookie) and answers authorization questions over the declarative role
// matrix.
package auth

// Roles known to the control plane.
const (
	RoleAdmin  = "Admin"
	RoleSRE    = "SRE"
	RoleOnCall = "OnCall"
	RoleViewer = "Viewer"
)

// Actions.
const (
	ActionRead    = "read"
	ActionWrite   = "write"
	ActionExecute = "execute"
	ActionApprove = "approve"
)

// Resources.
const (
	ResourceRunbook  = "runbook"
	ResourcePolicy   = "policy"
	ResourceRun      = "run"
	ResourceProject  = "project"
	ResourceApproval = "approval"
	ResourceTenant   = "tenant"
	ResourceAudit    = "audit"
)

type permission struct {
	action   string
	resource string
}

// matrix maps each role to its explicit grants. Admin is handled before
// the lookup; Viewer and OnCall read-anything is handled as a wildcard.
var matrix = map[string]map[permission]bool{
	RoleSRE: {
		{ActionRead, ResourceRunbook}:  true,
		{ActionWrite, ResourceRunbook}: true,
		{ActionRead, ResourcePolicy}:   true,
		{ActionWrite, ResourcePolicy}:  true,
		{ActionRead, ResourceRun}:      true,
		{ActionExecute, ResourceRun}:   true,
		{ActionRead, ResourceProject}:  true,
		// SRE alone deliberately does not approve approvals.
	},
	RoleOnCall: {
		{ActionApprove, ResourceApproval}: true,
	},
}

// readAnything marks roles whose read access is unrestricted.
var readAnything = map[string]bool{
	RoleOnCall: true,
	RoleViewer: true,
}

// Allow reports whether any of the held roles admits (action, resource).
// Holding both SRE and OnCall grants approve/approval even though the
// combination rule is not expressible per-role.
func Allow(roles []string, action, resource string) bool {
	hasSRE, hasOnCall := false, false
	for _, role := range roles {
		switch role {
		case RoleAdmin:
			return true
		case RoleSRE:
			hasSRE = true
		case RoleOnCall:
			hasOnCall = true
		}

		if action == ActionRead && readAnything[role] {
			return true
		}
		if grants, ok := matrix[role]; ok && grants[permission{action, resource}] {
			return true
		}
	}

	if action == ActionApprove && resource == ResourceApproval && hasSRE && hasOnCall {
		return true
	}
	return false
}
