package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "voter read", role: RoleVoter, action: ActionRead, allow: true},
		{name: "voter vote", role: RoleVoter, action: ActionVote, allow: true},
		{name: "voter audit", role: RoleVoter, action: ActionAudit, allow: false},
		{name: "voter admin", role: RoleVoter, action: ActionAdmin, allow: false},
		{name: "auditor audit", role: RoleAuditor, action: ActionAudit, allow: true},
		{name: "auditor vote", role: RoleAuditor, action: ActionVote, allow: false},
		{name: "auditor admin", role: RoleAuditor, action: ActionAdmin, allow: false},
		{name: "operator admin", role: RoleOperator, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("auditor"); got != RoleAuditor {
		t.Fatalf("Normalize(auditor) = %q", got)
	}
	if got := Normalize("admin"); got != RoleVoter {
		t.Fatalf("Normalize(admin) = %q, want voter", got)
	}
}
