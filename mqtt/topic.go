package mqtt

import (
	"fmt"
	"strings"
)

// ValidateTopic checks a topic name used for publishing. Wildcards are not
// allowed.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter. '+' must occupy a whole level
// and '#' must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" || strings.ContainsRune(filter, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard inside level %q", ErrInvalidTopic, level)
		}
	}
	return nil
}
