// Package policy evaluates the optional Rego review that runs after the
// built-in gates. Policies live in package "review" and may define
//
//	reject := true
//	note := "explanation"
//
// over the input document built from the submission signals.
package policy

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const reviewQuery = "data.review"

// Input is the document handed to the review policy as `input`
type Input struct {
	UserID      string        `json:"user_id"`
	MissionID   string        `json:"mission_id"`
	Source      string        `json:"source"`
	Batch       bool          `json:"batch"`
	HistorySize int           `json:"history_size"`
	Signals     model.Signals `json:"signals"`
}

// Verdict is the review outcome
type Verdict struct {
	Reject bool
	Note   string
}

type printHook struct{}

func (h *printHook) Print(ctx print.Context, message string) error {
	logging.Default().Debug("rego print", "message", message)
	return nil
}

// Engine holds the prepared review query. A nil *Engine passes everything.
type Engine struct {
	review *rego.PreparedEvalQuery
}

// New loads policies from dir. It returns (nil, nil) when dir has no .rego
// files.
func New(ctx context.Context, dir string) (*Engine, error) {
	modules, err := loadModules(dir)
	if err != nil {
		return nil, err
	}
	if modules == nil {
		return nil, nil
	}

	review, err := prepareQuery(ctx, modules, reviewQuery, &printHook{})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare review query", goerr.V("dir", dir))
	}
	return &Engine{review: review}, nil
}

// Review evaluates data.review against input
func (e *Engine) Review(ctx context.Context, input *Input) (*Verdict, error) {
	if e == nil || e.review == nil {
		return &Verdict{}, nil
	}

	// round trip so that rego sees the JSON field names
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode review input")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode review input")
	}

	rs, err := e.review.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate review policy", goerr.V("user_id", input.UserID))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &Verdict{}, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid review result", goerr.V("value", rs[0].Expressions[0].Value))
	}

	verdict := &Verdict{}
	if v, ok := data["reject"].(bool); ok {
		verdict.Reject = v
	}
	if v, ok := data["note"].(string); ok {
		verdict.Note = v
	}
	return verdict, nil
}
