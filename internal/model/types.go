package model

import (
	"encoding/json"
)

// Class labels. The index is fixed by how the weights were trained: index 1 is
// the positive class.
const (
	LabelNegative = "No glaucoma detected"
	LabelPositive = "Glaucoma detected"
)

// Labels maps a class index to its label.
var Labels = [2]string{LabelNegative, LabelPositive}

// TimestampFormat is the layout of Result.Timestamp.
const TimestampFormat = "2006-01-02 15:04:05.000000"

// Status tells which weights produced a prediction.
type Status string

const (
	// StatusTrained means the fine-tuned weights were loaded.
	StatusTrained Status = "trained"
	// StatusFallback means the weights file was absent.
	StatusFallback Status = "fallback"
	// StatusDegraded means the weights file exists but could not be loaded.
	StatusDegraded Status = "degraded"
)

// Result is the outcome of one prediction.
type Result struct {
	Success       bool               `json:"success"`
	Prediction    string             `json:"prediction,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	ClassIndex    int                `json:"class_index"`
	Model         string             `json:"model,omitempty"`
	ModelPath     string             `json:"model_path,omitempty"`
	ModelStatus   Status             `json:"model_status,omitempty"`
	Device        string             `json:"device,omitempty"`
	Timestamp     string             `json:"timestamp,omitempty"`
	Error         string             `json:"error,omitempty"`
	ErrorKind     ErrorKind          `json:"error_kind,omitempty"`
}

// Failure builds the result reported for err.
func Failure(err error) Result {
	return Result{Error: err.Error(), ErrorKind: KindOf(err)}
}

// MarshalJSON writes failures as {success, error, error_kind} only.
func (r Result) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(struct {
			Success   bool      `json:"success"`
			Error     string    `json:"error"`
			ErrorKind ErrorKind `json:"error_kind,omitempty"`
		}{Error: r.Error, ErrorKind: r.ErrorKind})
	}
	type plain Result
	return json.Marshal(plain(r))
}
