package nsq

import (
	"fmt"
	"strings"
)

const (
	maxNameLength   = 64
	ephemeralSuffix = "#ephemeral"
)

// Topic is the name of an nsqd topic.
type Topic string

// Channel is the name of a channel within a topic.
type Channel string

// Validate checks the topic name against nsqd naming rules.
func (t Topic) Validate() error {
	if !validName(string(t)) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, string(t))
	}
	return nil
}

// IsEphemeral reports whether the topic disappears once its last channel goes away.
func (t Topic) IsEphemeral() bool {
	return strings.HasSuffix(string(t), ephemeralSuffix)
}

// Validate checks the channel name against nsqd naming rules.
func (c Channel) Validate() error {
	if !validName(string(c)) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, string(c))
	}
	return nil
}

// IsEphemeral reports whether the channel disappears once its last client disconnects.
func (c Channel) IsEphemeral() bool {
	return strings.HasSuffix(string(c), ephemeralSuffix)
}

// validName implements ^[.a-zA-Z0-9_-]+(#ephemeral)?$ with a length of 1..64.
func validName(name string) bool {
	if len(name) == 0 || len(name) > maxNameLength {
		return false
	}

	name = strings.TrimSuffix(name, ephemeralSuffix)
	if name == "" {
		return false
	}

	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '.' || ch == '_' || ch == '-':
		default:
			return false
		}
	}

	return true
}
