package wsvpn

import "fmt"

// NotificationKind identifies what a Notification reports.
type NotificationKind int

const (
	// NotifyInit reports the server's init parameters; at most once per session
	NotifyInit NotificationKind = iota + 1
	// NotifyPacket delivers one inbound packet
	NotifyPacket
	// NotifyError reports a fatal error; a NotifyClose always follows
	NotifyError
	// NotifyClose reports that the session was closed
	NotifyClose
)

// String returns the notification kind name
func (k NotificationKind) String() string {
	switch k {
	case NotifyInit:
		return "init"
	case NotifyPacket:
		return "packet"
	case NotifyError:
		return "error"
	case NotifyClose:
		return "close"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Notification is an event emitted to the application layer. Only the field
// matching Kind is set.
type Notification struct {
	Kind   NotificationKind
	Init   *InitParameters
	Packet []byte
	Err    error
}

// NotificationHandler receives notifications. It is called synchronously
// from the goroutine that produced the event, so it must not block for long
// and must not call Connect.
type NotificationHandler func(Notification)
