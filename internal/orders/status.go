package orders

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing:     {StatusShipped: true, StatusCancelled: true},
	StatusShipped:        {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:      {},
	StatusCancelled:      {},
}

// rank orders the forward path; cancelled sits outside it.
var rank = map[Status]int{
	StatusPendingPayment: 0,
	StatusProcessing:     1,
	StatusShipped:        2,
	StatusDelivered:      3,
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

type Decision int

const (
	// DecisionApply moves the order to the requested status.
	DecisionApply Decision = iota
	// DecisionNoop: already there, nothing is recorded.
	DecisionNoop
	// DecisionStale: request is behind the current status (or the order is
	// finished). Logged in history, status untouched.
	DecisionStale
	DecisionInvalid
)

// Decide is the forward-only rule every transition goes through.
func Decide(from, to Status) Decision {
	switch {
	case !to.Valid():
		return DecisionInvalid
	case from == to:
		return DecisionNoop
	case from.Terminal():
		return DecisionStale
	case CanTransition(from, to):
		return DecisionApply
	case rank[to] < rank[from]:
		return DecisionStale
	default:
		return DecisionInvalid
	}
}

type Actor string

const (
	ActorSystem  Actor = "system"
	ActorAdmin   Actor = "admin"
	ActorWebhook Actor = "webhook"
)

func SubAdmin(code string) Actor { return Actor("subadmin:" + code) }

func ParseActor(s string) (Actor, error) {
	switch a := Actor(s); a {
	case ActorSystem, ActorAdmin, ActorWebhook:
		return a, nil
	}
	if code, ok := strings.CutPrefix(s, "subadmin:"); ok && code != "" {
		return SubAdmin(code), nil
	}
	return "", fmt.Errorf("unknown actor %q", s)
}
