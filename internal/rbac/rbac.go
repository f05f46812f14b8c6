package rbac

type Role string
type Action string

const (
	RoleVoter    Role = "voter"
	RoleAuditor  Role = "auditor"
	RoleOperator Role = "operator"
)

const (
	ActionRead  Action = "read"
	ActionVote  Action = "vote"
	ActionAudit Action = "audit"
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOperator:
		return true
	case RoleAuditor:
		return action == ActionRead || action == ActionAudit
	case RoleVoter:
		return action == ActionRead || action == ActionVote
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleVoter, RoleAuditor, RoleOperator:
		return Role(role)
	default:
		return RoleVoter
	}
}
