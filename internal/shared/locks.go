package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandIdempotencyKey builds the redis key that reserves a logical command
// submission for the idempotency window.
func CommandIdempotencyKey(agentID uuid.UUID, commandType, key string) string {
	return fmt.Sprintf("commands:idem:%s:%s:%s", agentID, commandType, key)
}

// NotificationDedupKey scopes one notification per incident, severity and recipient.
func NotificationDedupKey(incidentID uuid.UUID, severity, recipient string) string {
	return fmt.Sprintf("incident:%s:%s:%s", incidentID, severity, recipient)
}
