package helpers

import (
	"github.com/google/uuid"
	"github.com/hbomb79/go-chanassert"
	"github.com/varkey/ferryman/internal/event"
)

// MatchEvent returns a matcher which will match any bus message of the
// provided event type, regardless of its payload.
func MatchEvent(ev event.Event) chanassert.Matcher[event.HandlerEvent] {
	return chanassert.MatchStructPartial(event.HandlerEvent{Event: ev})
}

// MatchEventForItem returns a chanassert matcher which will match bus
// messages of the provided event type whose payload is the given item ID.
func MatchEventForItem(ev event.Event, itemID uuid.UUID) chanassert.Matcher[event.HandlerEvent] {
	return chanassert.MatchPredicate(func(message event.HandlerEvent) bool {
		if message.Event != ev {
			return false
		}

		payload, ok := message.Payload.(uuid.UUID)
		return ok && payload == itemID
	})
}
