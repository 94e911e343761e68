package model

import (
	"encoding/json"
	"math"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type DecisionStatus string

const (
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionError    DecisionStatus = "error"
)

type Reason string

const (
	ReasonAIGenerated      Reason = "ai_generated"
	ReasonNoRequiredObject Reason = "no_required_object"
	ReasonDuplicate        Reason = "duplicate"
	ReasonFaceMismatch     Reason = "face_mismatch"
	ReasonPolicy           Reason = "policy"
)

type DuplicateMethod string

const (
	DuplicateMethodHash      DuplicateMethod = "hash"
	DuplicateMethodEmbedding DuplicateMethod = "embedding"
	DuplicateMethodNone      DuplicateMethod = "none"
)

// DuplicateVerdict is the duplicate detector's judgment against a history.
// Score is a Hamming distance for the hash method and a cosine similarity
// for the embedding method.
type DuplicateVerdict struct {
	IsDuplicate   bool            `json:"is_duplicate"`
	Method        DuplicateMethod `json:"method"`
	Score         float64         `json:"score"`
	MatchedID     FingerprintID   `json:"matched_id,omitempty"`
	MatchedSource string          `json:"matched_source,omitempty"`
}

// IdentitySignal is the identity gate outcome. It is nil when no reference
// image was supplied.
type IdentitySignal struct {
	Match *FaceMatchResult `json:"match,omitempty"`
	Error string           `json:"error,omitempty"`
}

type Signals struct {
	Synthetic *SyntheticDetectionResult `json:"synthetic,omitempty"`
	Presence  *PresenceResult           `json:"presence,omitempty"`
	Duplicate *DuplicateVerdict         `json:"duplicate,omitempty"`
	Identity  *IdentitySignal           `json:"identity,omitempty"`
}

type Gate string

const (
	GateSynthetic Gate = "synthetic"
	GatePresence  Gate = "presence"
	GateDuplicate Gate = "duplicate"
	GateIdentity  Gate = "identity"
	GatePolicy    Gate = "policy"
)

// GateOutcome records one evaluated gate for observability
type GateOutcome struct {
	Gate   Gate   `json:"gate"`
	Passed bool   `json:"passed"`
	Reason Reason `json:"reason,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Decision is the result of one admission check. Rejections are ordinary
// decisions, not errors.
type Decision struct {
	Status         DecisionStatus `json:"status"`
	Reason         Reason         `json:"reason,omitempty"`
	Note           string         `json:"note,omitempty"`
	Signals        Signals        `json:"signals"`
	Gates          []GateOutcome  `json:"gates"`
	SavedID        FingerprintID  `json:"saved_id,omitempty"`
	SaveError      string         `json:"save_error,omitempty"`
	ProcessingTime Seconds        `json:"processing_time"`
}

// Seconds is a duration encoded in JSON as fractional seconds
type Seconds time.Duration

func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s *Seconds) UnmarshalJSON(data []byte) error {
	var sec float64
	if err := json.Unmarshal(data, &sec); err != nil {
		return goerr.Wrap(err, "invalid seconds", goerr.V("data", string(data)))
	}
	*s = Seconds(math.Round(sec * float64(time.Second)))
	return nil
}

// Approved reports whether the submission passed every gate
func (d *Decision) Approved() bool {
	return d.Status == DecisionApproved
}

// BatchOutcome is a per-image result of a batch check, tagged by index
type BatchOutcome struct {
	Index     int    `json:"index"`
	Source    string `json:"source"`
	MissionID string `json:"mission_id"`
	Error     string `json:"error,omitempty"`
	*Decision
}

type BatchSummary struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Errors   int `json:"errors"`
}

type BatchResult struct {
	Summary BatchSummary    `json:"summary"`
	Results []*BatchOutcome `json:"results"`
}

// AuditEntry is one decision handed to the audit sink
type AuditEntry struct {
	UserID     string
	MissionID  string
	Source     string
	Decision   *Decision
	RecordedAt time.Time
}
