package models

// UserRole represents the roles recognised by the evaluation API.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleTeacher    UserRole = "TEACHER"
	RoleEvaluator  UserRole = "EVALUATOR"
	RoleStudent    UserRole = "STUDENT"
)

// Staff reports whether the role administers papers rather than checking them.
func (r UserRole) Staff() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}
