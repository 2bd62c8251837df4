package app

import "github.com/transfa/membership-service/internal/domain"

// progression orders the forward path of the intent state machine.
var progression = map[domain.IntentStatus]int{
	domain.IntentCreated:              0,
	domain.IntentStarted:              1,
	domain.IntentClientConfirmed:      2,
	domain.IntentAwaitingVerification: 3,
	domain.IntentVerified:             4,
	domain.IntentCompleted:            5,
}

// CanTransition reports whether from -> to is a legal intent transition.
//
// Forward moves along created → started → client_confirmed → awaiting_verification
// → verified → completed may skip steps but never go back. failed is reachable from
// any non-terminal status, expired only from created or started, and an expired
// intent can only be reopened as started.
func CanTransition(from, to domain.IntentStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	switch to {
	case domain.IntentFailed:
		return true
	case domain.IntentExpired:
		return from == domain.IntentCreated || from == domain.IntentStarted
	}
	if from == domain.IntentExpired {
		return to == domain.IntentStarted
	}

	fromRank, okFrom := progression[from]
	toRank, okTo := progression[to]
	return okFrom && okTo && toRank > fromRank
}

// pathTo lists the statuses an intent at from walks through to reach target for an
// event from source. Statuses already passed are skipped; an expired intent is
// reopened as started first. The result is empty when the intent is already at or
// beyond target.
func pathTo(from, target domain.IntentStatus, source domain.Source) []domain.IntentStatus {
	var steps []domain.IntentStatus
	switch source {
	case domain.SourceWebhook:
		steps = []domain.IntentStatus{domain.IntentVerified, domain.IntentCompleted}
	case domain.SourceAdmin:
		steps = []domain.IntentStatus{domain.IntentAwaitingVerification, domain.IntentVerified, domain.IntentCompleted}
	default:
		steps = []domain.IntentStatus{domain.IntentClientConfirmed}
	}

	current := from
	var path []domain.IntentStatus
	if current == domain.IntentExpired {
		path = append(path, domain.IntentStarted)
		current = domain.IntentStarted
	}
	if target == domain.IntentStarted {
		if current == domain.IntentCreated {
			path = append(path, domain.IntentStarted)
		}
		return path
	}

	targetRank := progression[target]
	for _, step := range steps {
		if progression[step] > targetRank {
			break
		}
		if CanTransition(current, step) {
			path = append(path, step)
			current = step
		}
	}
	return path
}
