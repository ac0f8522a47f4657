package handlers

import (
	"captcha-gatekeeper/detection"
)

// Event is a lifecycle event decoded from the feed. The concrete types are
// Join, Leave and Message.
type Event interface {
	// EventID is the feed position; several events may share one id when a
	// single update carries more than one member.
	EventID() int
	Chat() int64
	Sender() detection.Profile
	isEvent()
}

// Join is a member entering a chat.
type Join struct {
	ID     int
	ChatID int64
	User   detection.Profile
}

// Leave is a member leaving or being removed from a chat.
type Leave struct {
	ID     int
	ChatID int64
	User   detection.Profile
}

// Message is a text message. User.IsBot marks senders flagged as automated.
type Message struct {
	ID     int
	ChatID int64
	User   detection.Profile
	Text   string
}

func (e Join) EventID() int                 { return e.ID }
func (e Join) Chat() int64                  { return e.ChatID }
func (e Join) Sender() detection.Profile    { return e.User }
func (Join) isEvent()                       {}
func (e Leave) EventID() int                { return e.ID }
func (e Leave) Chat() int64                 { return e.ChatID }
func (e Leave) Sender() detection.Profile   { return e.User }
func (Leave) isEvent()                      {}
func (e Message) EventID() int              { return e.ID }
func (e Message) Chat() int64               { return e.ChatID }
func (e Message) Sender() detection.Profile { return e.User }
func (Message) isEvent()                    {}
