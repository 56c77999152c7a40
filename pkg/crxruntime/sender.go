package crxruntime

import "strconv"

// ControlSentinel is a reserved sender value addressing one control query.
type ControlSentinel int

func (s ControlSentinel) String() string {
	return strconv.Itoa(int(s))
}

// MessageSender describes who sent an inbound message. It is immutable.
type MessageSender struct {
	id          string
	secondaryID interface{}
	control     ControlSentinel
}

// NewMessageSender creates a sender for a genuine extension.
func NewMessageSender(id string, secondaryID interface{}) MessageSender {
	return MessageSender{id: id, secondaryID: secondaryID}
}

func newControlSender(s ControlSentinel) MessageSender {
	return MessageSender{id: s.String(), secondaryID: s, control: s}
}

// ID returns the sending extension id, or the sentinel's decimal form for control queries.
func (s MessageSender) ID() string {
	return s.id
}

// SecondaryID returns the secondary context, normally the sending tab.
func (s MessageSender) SecondaryID() interface{} {
	return s.secondaryID
}

// IsControl reports whether the message is a control query.
func (s MessageSender) IsControl() bool {
	return s.control != 0
}
