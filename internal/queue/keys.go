package queue

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	scheduledKey  = "taskrunner:queue:scheduled"
	reservedKey   = "taskrunner:queue:reserved"
	deadLetterKey = "taskrunner:queue:dead"

	maxDeadLetters = 1000
)

func MessageKey(id uuid.UUID) string {
	return fmt.Sprintf("taskrunner:message:%s", id)
}

func StatusKey(id uuid.UUID) string {
	return fmt.Sprintf("taskrunner:status:%s", id)
}
