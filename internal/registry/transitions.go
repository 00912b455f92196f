package registry

import (
	"fmt"

	"carbon-scribe/credit-lifecycle/pkg/workflows"
)

// ProjectTransitions is the verification workflow. Both decisions are terminal;
// a rejected project is resubmitted as a new project.
var ProjectTransitions = workflows.NewStateMachine(map[ProjectStatus][]ProjectStatus{
	ProjectStatusSubmitted: {ProjectStatusApproved, ProjectStatusRejected},
	ProjectStatusApproved:  {},
	ProjectStatusRejected:  {},
})

// SettlementTransitions covers every ledger-mirrored record. Both final
// statuses are terminal.
var SettlementTransitions = workflows.NewStateMachine(map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusFailed},
	StatusFailed:    {},
	StatusConfirmed: {},
})

func checkSettlement(from, to Status) error {
	if !SettlementTransitions.CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}
