package inference

import "context"

// Image is one user-supplied file as it will be sent to the backend.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// PredictionResult is the backend's classification of one image. Confidences are percentages.
type PredictionResult struct {
	PredictedClass string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	AllPredictions map[string]float64 `json:"all_predictions"`
}

// HealthStatus mirrors the backend's /health body.
type HealthStatus struct {
	Status           string   `json:"status"`
	ModelLoaded      bool     `json:"model_loaded"`
	SupportedFormats []string `json:"supported_formats"`
	Classes          []string `json:"classes"`
}

// Client exposes the two backend calls the rest of the service depends on.
type Client interface {
	Health(ctx context.Context) (*HealthStatus, error)
	Predict(ctx context.Context, img Image) (*PredictionResult, error)
}
