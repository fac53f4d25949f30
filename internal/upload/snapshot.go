package upload

import (
	"github.com/example/mri-check/internal/inference"
	"github.com/example/mri-check/internal/preview"
)

// Phase names which of the four mutually exclusive states a controller is in.
type Phase string

const (
	PhaseEmpty    Phase = "empty"
	PhaseSelected Phase = "selected"
	PhaseAnalyzed Phase = "analyzed"
	PhaseFailed   Phase = "failed"
)

// Snapshot is a point-in-time copy of a controller. Result is shared and must not be mutated.
type Snapshot struct {
	HasFile       bool
	Filename      string
	ContentType   string
	Size          int64
	PreviewHandle preview.Handle
	Loading       bool
	Result        *inference.PredictionResult
	Error         string
	Generation    uint64
}

func (s Snapshot) Phase() Phase {
	switch {
	case !s.HasFile:
		return PhaseEmpty
	case s.Result != nil:
		return PhaseAnalyzed
	case s.Error != "":
		return PhaseFailed
	default:
		return PhaseSelected
	}
}

func (s Snapshot) PreviewURL() string {
	return s.PreviewHandle.URL()
}

// CanAnalyze mirrors the enabled state of the analyze control.
func (s Snapshot) CanAnalyze() bool {
	return s.HasFile && !s.Loading
}
