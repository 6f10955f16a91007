package dto

// ModerationResult is produced fresh per evaluation and never mutated;
// combining two results yields a new one.
type ModerationResult struct {
	Action        string   `json:"action"`
	Confidence    float64  `json:"confidence"`
	Categories    []string `json:"categories,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	SuggestedEdit string   `json:"suggested_edit,omitempty"`
	LogID         string   `json:"log_id,omitempty"`
}

type AppealRequest struct {
	Approved bool `json:"approved"`
}
