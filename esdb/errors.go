package esdb

import (
	"fmt"
	"strings"

	"github.com/tomyedwab/esdb/queue"
)

// EventError is returned by HandledVersion/Dispatch when the event they
// waited on finished with at least one model's Error populated. Callers
// that need the full per-model detail can inspect Event directly.
type EventError struct {
	Event queue.Event
}

func (e *EventError) Error() string {
	parts := make([]string, 0, len(e.Event.Error))
	for name, info := range e.Event.Error {
		parts = append(parts, fmt.Sprintf("%s: %s", name, info.Message))
	}
	return fmt.Sprintf("esdb: event v=%d failed (%s)", e.Event.V, strings.Join(parts, "; "))
}
