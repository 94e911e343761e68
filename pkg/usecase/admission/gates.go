package admission

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/policy"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
)

// evaluation is the per-image input of the gate sequence
type evaluation struct {
	userID    string
	missionID string
	source    string
	batch     bool

	img       *model.Image
	reference *model.Image
	features  *features

	// history is read at most once per evaluation
	history  func(ctx context.Context) (model.HistorySnapshot, error)
	snapshot model.HistorySnapshot

	decision *model.Decision
}

type gateStep struct {
	gate  model.Gate
	state state
	run   func(ctx context.Context, ev *evaluation) gateResult
}

func (u *UseCase) gateSteps() []gateStep {
	return []gateStep{
		{gate: model.GateSynthetic, state: stateGateSynthetic, run: u.gateSynthetic},
		{gate: model.GatePresence, state: stateGatePresence, run: u.gatePresence},
		{gate: model.GateDuplicate, state: stateGateDuplicate, run: u.gateDuplicate},
		{gate: model.GateIdentity, state: stateGateIdentity, run: u.gateIdentity},
		{gate: model.GatePolicy, state: stateGatePolicy, run: u.gatePolicy},
	}
}

// runGates walks the gates in order. It returns the terminal state reached:
// stateRejected, stateFailed (with the error) or statePersisting when every
// applicable gate passed.
func (u *UseCase) runGates(ctx context.Context, ev *evaluation) (state, error) {
	d := ev.decision
	d.Signals.Synthetic = ev.features.synthetic
	d.Signals.Presence = ev.features.presence

	for _, step := range u.gateSteps() {
		if step.gate == model.GateIdentity && (ev.reference == nil || ev.batch) {
			continue
		}
		if step.gate == model.GatePolicy && u.policy == nil {
			continue
		}

		logging.From(ctx).Debug("entering gate", "state", step.state, "user_id", ev.userID)
		r := step.run(ctx, ev)
		d.Gates = append(d.Gates, r.outcome(step.gate))

		switch r.kind {
		case gateRejected:
			d.Status = model.DecisionRejected
			d.Reason = r.reason
			d.Note = r.note
			return stateRejected, nil
		case gateFailed:
			return stateFailed, r.err
		}
	}

	return statePersisting, nil
}

func (u *UseCase) gateSynthetic(ctx context.Context, ev *evaluation) gateResult {
	s := ev.features.synthetic
	if len(s.MethodsUsed) == 0 && len(s.Errors) > 0 {
		return passed("synthetic detection unavailable")
	}

	note := fmt.Sprintf("confidence %.3f", s.Confidence)
	if s.Confidence > u.syntheticThreshold {
		return rejected(model.ReasonAIGenerated, note)
	}
	return passed(note)
}

func (u *UseCase) gatePresence(ctx context.Context, ev *evaluation) gateResult {
	p := ev.features.presence
	if !p.Detected {
		note := "required object not detected"
		if p.Error != "" {
			note = "presence detection unavailable"
		}
		return rejected(model.ReasonNoRequiredObject, note)
	}
	return passed(fmt.Sprintf("%s %.3f via %s", p.Label, p.Confidence, p.Method))
}

func (u *UseCase) gateDuplicate(ctx context.Context, ev *evaluation) gateResult {
	history, err := ev.history(ctx)
	if err != nil {
		return failed(goerr.Wrap(ErrHistory, "history unavailable", goerr.V("user_id", ev.userID), goerr.V("cause", err.Error())))
	}
	ev.snapshot = history

	verdict, err := u.detector.Evaluate(ev.features.hash, ev.features.embedding, history)
	if err != nil {
		return failed(goerr.Wrap(err, "duplicate detection failed", goerr.V("user_id", ev.userID)))
	}
	ev.decision.Signals.Duplicate = verdict

	if verdict.IsDuplicate {
		return rejected(model.ReasonDuplicate, fmt.Sprintf("matched %s by %s (score %g)", verdict.MatchedID, verdict.Method, verdict.Score))
	}
	return passed(fmt.Sprintf("compared against %d records", len(history)))
}

// gateIdentity stages both images, runs the matcher and releases the staged
// files before returning
func (u *UseCase) gateIdentity(ctx context.Context, ev *evaluation) gateResult {
	signal := &model.IdentitySignal{}
	ev.decision.Signals.Identity = signal

	if u.faces == nil {
		return u.identityError(ctx, signal, goerr.New("face matcher is not configured"))
	}

	files, err := u.staging.Stage("proofgate-face-*"+extension(ev.img.MIMEType), ev.img.Data, ev.reference.Data)
	if err != nil {
		return u.identityError(ctx, signal, err)
	}
	defer files.Release()

	paths := files.Paths()
	match, err := u.faces.MatchFaces(ctx, paths[0], paths[1])
	if err != nil {
		return u.identityError(ctx, signal, err)
	}
	signal.Match = match

	if !match.Verified {
		return rejected(model.ReasonFaceMismatch, fmt.Sprintf("distance %.3f over threshold %.3f", match.Distance, match.Threshold))
	}
	return passed(fmt.Sprintf("distance %.3f", match.Distance))
}

func (u *UseCase) identityError(ctx context.Context, signal *model.IdentitySignal, err error) gateResult {
	signal.Error = err.Error()
	logging.From(ctx).Warn("identity verification failed", "error", err, "policy", u.identityPolicy)

	if u.identityPolicy == IdentityErrorReject {
		return rejected(model.ReasonFaceMismatch, "identity could not be verified")
	}
	return passed("identity could not be verified")
}

func (u *UseCase) gatePolicy(ctx context.Context, ev *evaluation) gateResult {
	verdict, err := u.policy.Review(ctx, &policy.Input{
		UserID:      ev.userID,
		MissionID:   ev.missionID,
		Source:      ev.source,
		Batch:       ev.batch,
		HistorySize: len(ev.snapshot),
		Signals:     ev.decision.Signals,
	})
	if err != nil {
		return failed(err)
	}
	if verdict.Reject {
		return rejected(model.ReasonPolicy, verdict.Note)
	}
	return passed(verdict.Note)
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".img"
	}
}
