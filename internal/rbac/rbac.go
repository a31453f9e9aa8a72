package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionView   Action = "project.view"
	ActionEdit   Action = "project.edit"
	ActionManage Action = "project.manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionView || action == ActionEdit
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
