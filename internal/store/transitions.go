package store

import "qms/clinic-queue/internal/models"

const (
	ActionCall   = "call"
	ActionRecall = "recall"
	ActionServe  = "serve"
)

var transitionMap = map[string][]string{
	ActionCall:   {models.StatusWaiting},
	ActionRecall: {models.StatusCalled},
	ActionServe:  {models.StatusCalled},
}

var targetStatus = map[string]string{
	ActionCall:   models.StatusCalled,
	ActionRecall: models.StatusCalled,
	ActionServe:  models.StatusServed,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus is the status an entry holds after action succeeds.
func TargetStatus(action string) string {
	return targetStatus[action]
}
