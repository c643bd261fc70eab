package domain

// Role is a member's role within a project. Roles are strictly ordered:
// viewer < member < admin < owner.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer: 0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// AtLeast reports whether r grants the permissions of min.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Privileged reports whether r may override a WIP limit.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleOwner
}

// Entity statuses. Archived entities are read-only and excluded from WIP
// accounting.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Project is the unit of membership, streaming and activity scoping.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// Board groups lists within a project.
type Board struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Status    string `json:"status"`
}

// List is an ordered column of tasks, optionally WIP-limited.
type List struct {
	ID           string `json:"id"`
	BoardID      string `json:"boardId"`
	ProjectID    string `json:"projectId"`
	Title        string `json:"title"`
	Position     int    `json:"position"`
	Status       string `json:"status"`
	IsWipLimited bool   `json:"isWipLimited"`
	WipLimit     int    `json:"wipLimit,omitempty"`
	Version      int    `json:"version"`
}

// Task is a single board item. Position is a fractional ordering key within
// the owning list; Version guards optimistic concurrency.
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"projectId"`
	BoardID     string   `json:"boardId"`
	ListID      string   `json:"listId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Position    string   `json:"position"`
	Status      string   `json:"status"`
	Version     int      `json:"version"`
	CreatedBy   string   `json:"createdByUserId"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
	AssigneeIDs []string `json:"assigneeIds"`
}

// Comment is attached to a task.
type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	AuthorID  string `json:"authorId"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// Membership binds a user to a project with a role.
type Membership struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
}
