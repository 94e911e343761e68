package model

import "maps"

// SyntheticDetectionResult is the ensemble judgment of whether an image was
// computer generated. Confidence is the weighted sum of per-method scores.
type SyntheticDetectionResult struct {
	IsSynthetic bool               `json:"is_synthetic"`
	Confidence  float64            `json:"confidence"`
	Scores      map[string]float64 `json:"per_method_scores"`
	MethodsUsed []string           `json:"methods_used"`
	Errors      map[string]string  `json:"errors,omitempty"`
}

func (r *SyntheticDetectionResult) Clone() *SyntheticDetectionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Scores = maps.Clone(r.Scores)
	c.Errors = maps.Clone(r.Errors)
	c.MethodsUsed = append([]string(nil), r.MethodsUsed...)
	return &c
}

type PresenceMethod string

const (
	PresenceMethodObject PresenceMethod = "object_localization"
	PresenceMethodLabel  PresenceMethod = "label"
	PresenceMethodNone   PresenceMethod = "none"
)

// PresenceResult reports whether the required object was found in the image
type PresenceResult struct {
	Detected   bool               `json:"detected"`
	Confidence float64            `json:"confidence"`
	Method     PresenceMethod     `json:"method"`
	Label      string             `json:"label,omitempty"`
	Details    map[string]float64 `json:"details,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func (r *PresenceResult) Clone() *PresenceResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Details = maps.Clone(r.Details)
	return &c
}

// FaceMatchResult is the output of the identity face matcher
type FaceMatchResult struct {
	Verified  bool    `json:"verified"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
}
