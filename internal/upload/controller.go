package upload

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/example/mri-check/internal/inference"
	"github.com/example/mri-check/internal/logging"
	"github.com/example/mri-check/internal/preview"
)

var (
	ErrNoSelection      = errors.New("no image selected")
	ErrAnalysisInFlight = errors.New("analysis already in progress")
	ErrSuperseded       = errors.New("selection changed while the analysis was running")
	ErrClosed           = errors.New("session closed")
)

const fallbackErrorMessage = "An unexpected error occurred"

// PreviewStore is the subset of preview.Store the controller needs.
type PreviewStore interface {
	Put(ctx context.Context, img inference.Image) (preview.Handle, error)
	Release(ctx context.Context, handle preview.Handle) error
}

// Controller owns one session's selected image, its preview and the outcome of analysing it.
//
// At most one analysis runs per controller. loading tracks that request and survives selection
// changes. Every selection change bumps generation; an analysis remembers the generation it started
// under and its outcome is dropped if the selection moved on in the meantime.
type Controller struct {
	sessionID string
	client    inference.Client
	previews  PreviewStore
	logger    *zap.Logger

	mu         sync.Mutex
	image      *inference.Image
	handle     preview.Handle
	loading    bool
	result     *inference.PredictionResult
	errMsg     string
	generation uint64
	closed     bool
}

func NewController(sessionID string, client inference.Client, previews PreviewStore, logger *zap.Logger) *Controller {
	return &Controller{
		sessionID: sessionID,
		client:    client,
		previews:  previews,
		logger:    logging.WithOperation(logger.Named("upload_controller"), "upload", sessionID),
	}
}

func (c *Controller) SessionID() string {
	return c.sessionID
}

// Accept replaces the current selection with img. The previous preview is released and any
// result or error is cleared together with the swap.
func (c *Controller) Accept(ctx context.Context, img inference.Image) (Snapshot, error) {
	handle, err := c.previews.Put(ctx, img)
	if err != nil {
		return c.Snapshot(), err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.release(ctx, handle)
		return Snapshot{}, ErrClosed
	}
	previous := c.handle
	stored := img
	c.image = &stored
	c.handle = handle
	c.reset()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.release(ctx, previous)
	c.logger.Info("image selected",
		zap.String("filename", img.Filename),
		zap.Int("bytes", len(img.Data)),
		zap.Uint64("generation", snap.Generation),
	)
	return snap, nil
}

// Remove clears the selection. Calling it with nothing selected is a no-op.
func (c *Controller) Remove(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.image == nil && c.handle == "" {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	previous := c.handle
	c.image = nil
	c.handle = ""
	c.reset()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.release(ctx, previous)
	c.logger.Info("image removed", zap.Uint64("generation", snap.Generation))
	return snap
}

// Close tears the controller down and releases its preview. It is safe to call more than once.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	previous := c.handle
	c.image = nil
	c.handle = ""
	c.reset()
	c.mu.Unlock()

	c.release(ctx, previous)
}

// Analyze sends the selected image to the inference backend and records the outcome.
//
// The call is refused with ErrNoSelection when nothing is selected and ErrAnalysisInFlight while
// an earlier call is still running, even one for a previous selection; neither reaches the backend. The
// backend call is detached from ctx cancellation and bounded by the client's own timeout.
func (c *Controller) Analyze(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	case c.image == nil:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNoSelection
	case c.loading:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrAnalysisInFlight
	}
	c.loading = true
	c.result = nil
	c.errMsg = ""
	generation := c.generation
	img := *c.image
	c.mu.Unlock()

	result, err := c.client.Predict(context.WithoutCancel(ctx), img)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.loading = false
	if c.closed || generation != c.generation {
		c.logger.Warn("discarding stale analysis outcome",
			zap.Uint64("started_generation", generation),
			zap.Uint64("current_generation", c.generation),
			zap.Bool("failed", err != nil),
		)
		return c.snapshotLocked(), ErrSuperseded
	}

	if err != nil {
		c.errMsg = err.Error()
		if c.errMsg == "" {
			c.errMsg = fallbackErrorMessage
		}
		c.logger.Info("analysis failed", zap.String("message", c.errMsg))
	} else {
		c.result = result
		c.logger.Info("analysis completed",
			zap.String("predicted_class", result.PredictedClass),
			zap.Float64("confidence", result.Confidence),
		)
	}
	return c.snapshotLocked(), nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// reset starts a new generation with no outcome. A pending request keeps loading set. Callers hold mu.
func (c *Controller) reset() {
	c.generation++
	c.result = nil
	c.errMsg = ""
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		PreviewHandle: c.handle,
		Loading:       c.loading,
		Result:        c.result,
		Error:         c.errMsg,
		Generation:    c.generation,
	}
	if c.image != nil {
		snap.Filename = c.image.Filename
		snap.ContentType = c.image.ContentType
		snap.Size = int64(len(c.image.Data))
		snap.HasFile = true
	}
	return snap
}

func (c *Controller) release(ctx context.Context, handle preview.Handle) {
	if handle == "" {
		return
	}
	if err := c.previews.Release(context.WithoutCancel(ctx), handle); err != nil {
		c.logger.Error("failed to release preview",
			zap.Error(logging.NewOperationError("upload.release_preview", c.sessionID, err)),
			zap.String("handle", string(handle)),
		)
	}
}
