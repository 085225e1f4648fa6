package domain

// Role of a participant inside a room.
type Role string

const (
	RoleUnset      Role = ""
	RolePublisher  Role = "producer"
	RoleSubscriber Role = "consumer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUnset, RolePublisher, RoleSubscriber:
		return true
	}
	return false
}
