package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionPresence Action = "presence"
	ActionWrite    Action = "write"
	ActionResolve  Action = "resolve"
	ActionSave     Action = "save"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionPresence || action == ActionWrite || action == ActionResolve || action == ActionSave
	case RoleCommenter, RoleViewer:
		return action == ActionRead || action == ActionPresence
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
