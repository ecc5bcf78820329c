package action

type State int

const (
	Continue State = iota // keep running checks
	Done                  // short-circuit, Reason is final
)

// Decision carries the admission verdict through the check pipeline. The
// first check that rejects sets Done and the pipeline stops.
type Decision struct {
	State  State
	Reason string
}

func NewDecision() *Decision {
	return &Decision{State: Continue}
}

func (d *Decision) Reject(reason string) {
	d.State = Done
	d.Reason = reason
}

func (d *Decision) Rejected() bool {
	return d.State == Done
}
