package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer presence", role: RoleViewer, action: ActionPresence, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "commenter resolve", role: RoleCommenter, action: ActionResolve, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor resolve", role: RoleEditor, action: ActionResolve, allow: true},
		{name: "editor save", role: RoleEditor, action: ActionSave, allow: true},
		{name: "admin save", role: RoleAdmin, action: ActionSave, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
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
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("expected editor, got %q", got)
	}
	if got := Normalize("owner"); got != RoleViewer {
		t.Fatalf("unknown roles fall back to viewer, got %q", got)
	}
}
