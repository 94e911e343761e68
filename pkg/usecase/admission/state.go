package admission

import "github.com/m-mizutani/proofgate/pkg/model"

// state names the pipeline position; it is carried in logs
type state string

const (
	stateReceived      state = "RECEIVED"
	stateExtracting    state = "EXTRACTING"
	stateGateSynthetic state = "GATE_SYNTHETIC"
	stateGatePresence  state = "GATE_PRESENCE"
	stateGateDuplicate state = "GATE_DUPLICATE"
	stateGateIdentity  state = "GATE_IDENTITY"
	stateGatePolicy    state = "GATE_POLICY"
	statePersisting    state = "PERSISTING"
	stateApproved      state = "APPROVED"
	stateRejected      state = "REJECTED"
	stateFailed        state = "FAILED"
)

type gateKind int

const (
	gatePassed gateKind = iota
	gateRejected
	gateFailed
)

// gateResult is what every gate returns: Passed, Rejected(reason) or
// Failed(err). The orchestrator inspects it; gates never panic or return
// errors for rejection.
type gateResult struct {
	kind   gateKind
	reason model.Reason
	note   string
	err    error
}

func passed(note string) gateResult {
	return gateResult{kind: gatePassed, note: note}
}

func rejected(reason model.Reason, note string) gateResult {
	return gateResult{kind: gateRejected, reason: reason, note: note}
}

func failed(err error) gateResult {
	return gateResult{kind: gateFailed, err: err}
}

func (r gateResult) outcome(gate model.Gate) model.GateOutcome {
	o := model.GateOutcome{
		Gate:   gate,
		Passed: r.kind == gatePassed,
		Reason: r.reason,
		Note:   r.note,
	}
	if r.kind == gateFailed && r.err != nil {
		o.Note = r.err.Error()
	}
	return o
}
