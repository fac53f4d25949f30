package handlers

import (
	"github.com/example/mri-check/internal/upload"
)

type resultResponse struct {
	PredictedClass string                    `json:"predicted_class"`
	Confidence     float64                   `json:"confidence"`
	Tier           upload.Tier               `json:"tier"`
	AllPredictions map[string]float64        `json:"all_predictions"`
	Ranked         []upload.RankedPrediction `json:"ranked"`
}

type stateResponse struct {
	Phase       upload.Phase    `json:"phase"`
	Filename    string          `json:"filename,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Size        int64           `json:"size,omitempty"`
	PreviewURL  string          `json:"preview_url,omitempty"`
	Loading     bool            `json:"loading"`
	CanAnalyze  bool            `json:"can_analyze"`
	Result      *resultResponse `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func newStateResponse(snap upload.Snapshot) stateResponse {
	resp := stateResponse{
		Phase:       snap.Phase(),
		Filename:    snap.Filename,
		ContentType: snap.ContentType,
		Size:        snap.Size,
		PreviewURL:  snap.PreviewURL(),
		Loading:     snap.Loading,
		CanAnalyze:  snap.CanAnalyze(),
		Error:       snap.Error,
	}
	if r := snap.Result; r != nil {
		resp.Result = &resultResponse{
			PredictedClass: r.PredictedClass,
			Confidence:     r.Confidence,
			Tier:           upload.ConfidenceTier(r.Confidence),
			AllPredictions: r.AllPredictions,
			Ranked:         upload.RankPredictions(r.AllPredictions),
		}
	}
	return resp
}

type pageView struct {
	State     stateResponse
	Notice    string
	Accept    string
	MaxSizeMB int64
}
