package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/mri-check/internal/inference"
	"github.com/example/mri-check/internal/preview"
)

type stubClient struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	result  *inference.PredictionResult
	err     error
	ctxErr  error
}

func (s *stubClient) Health(ctx context.Context) (*inference.HealthStatus, error) {
	return &inference.HealthStatus{Status: "healthy", ModelLoaded: true}, nil
}

func (s *stubClient) Predict(ctx context.Context, img inference.Image) (*inference.PredictionResult, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubPreviews struct {
	mu       sync.Mutex
	next     int
	live     map[preview.Handle]bool
	released []preview.Handle
	putErr   error
}

func newStubPreviews() *stubPreviews {
	return &stubPreviews{live: make(map[preview.Handle]bool)}
}

func (s *stubPreviews) Put(ctx context.Context, img inference.Image) (preview.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.next++
	h := preview.Handle(img.Filename + "-" + string(rune('0'+s.next)))
	s.live[h] = true
	return h, nil
}

func (s *stubPreviews) Release(ctx context.Context, handle preview.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, handle)
	s.released = append(s.released, handle)
	return nil
}

func (s *stubPreviews) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func gliomaResult() *inference.PredictionResult {
	return &inference.PredictionResult{
		PredictedClass: "glioma",
		Confidence:     87.3,
		AllPredictions: map[string]float64{"glioma": 87.3, "meningioma": 10.2, "notumor": 1.5, "pituitary": 1.0},
	}
}

func pngImage(name string) inference.Image {
	return inference.Image{Filename: name, ContentType: "image/png", Data: []byte("png-bytes-" + name)}
}

func newTestController(client inference.Client, previews PreviewStore) *Controller {
	return NewController("session-1", client, previews, zap.NewNop())
}

func TestSelectThenRemoveReturnsToEmptyState(t *testing.T) {
	previews := newStubPreviews()
	ctrl := newTestController(&stubClient{result: gliomaResult()}, previews)
	ctx := context.Background()

	for _, name := range []string{"a.png", "b.jpg", "c.jpeg"} {
		snap, err := ctrl.Accept(ctx, pngImage(name))
		if err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		if snap.Phase() != PhaseSelected || snap.PreviewURL() == "" {
			t.Fatalf("unexpected snapshot after accept: %+v", snap)
		}
		if _, err := ctrl.Analyze(ctx); err != nil {
			t.Fatalf("analyze failed: %v", err)
		}

		snap = ctrl.Remove(ctx)
		if snap.HasFile || snap.PreviewHandle != "" || snap.Result != nil || snap.Error != "" || snap.Loading {
			t.Fatalf("expected empty state after remove, got %+v", snap)
		}
		if snap.Phase() != PhaseEmpty {
			t.Fatalf("unexpected phase %s", snap.Phase())
		}
		if previews.liveCount() != 0 {
			t.Fatalf("expected all previews released, %d live", previews.liveCount())
		}
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	previews := newStubPreviews()
	ctrl := newTestController(&stubClient{}, previews)

	first := ctrl.Remove(context.Background())
	second := ctrl.Remove(context.Background())
	if first != second {
		t.Fatalf("expected identical snapshots, got %+v and %+v", first, second)
	}
	if len(previews.released) != 0 {
		t.Fatalf("expected no releases, got %v", previews.released)
	}
}

func TestNewSelectionClearsPreviousOutcomeAndReleasesPreview(t *testing.T) {
	previews := newStubPreviews()
	client := &stubClient{err: &inference.Error{Kind: inference.KindServer, Message: inference.MsgServer}}
	ctrl := newTestController(client, previews)
	ctx := context.Background()

	first, _ := ctrl.Accept(ctx, pngImage("first.png"))
	snap, err := ctrl.Analyze(ctx)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if snap.Phase() != PhaseFailed || snap.Error != inference.MsgServer {
		t.Fatalf("expected failed phase, got %+v", snap)
	}

	second, err := ctrl.Accept(ctx, pngImage("second.png"))
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if second.Error != "" || second.Result != nil {
		t.Fatalf("expected cleared outcome, got %+v", second)
	}
	if second.Filename != "second.png" {
		t.Fatalf("unexpected filename %s", second.Filename)
	}
	if len(previews.released) != 1 || previews.released[0] != first.PreviewHandle {
		t.Fatalf("expected first preview released, got %v", previews.released)
	}
	if previews.liveCount() != 1 {
		t.Fatalf("expected one live preview, got %d", previews.liveCount())
	}
}

func TestAnalyzeWithoutSelectionIsRefused(t *testing.T) {
	client := &stubClient{result: gliomaResult()}
	ctrl := newTestController(client, newStubPreviews())

	snap, err := ctrl.Analyze(context.Background())
	if !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
	if snap.Loading || snap.Phase() != PhaseEmpty {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if client.calls.Load() != 0 {
		t.Fatalf("expected no backend call, got %d", client.calls.Load())
	}
}

func TestDoubleTriggerWhilePendingMakesOneCall(t *testing.T) {
	client := &stubClient{result: gliomaResult(), started: make(chan struct{}, 1), release: make(chan struct{})}
	ctrl := newTestController(client, newStubPreviews())
	ctx := context.Background()
	_, _ = ctrl.Accept(ctx, pngImage("scan.png"))

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Analyze(ctx)
		done <- err
	}()

	select {
	case <-client.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first analysis did not start")
	}

	snap, err := ctrl.Analyze(ctx)
	if !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("expected ErrAnalysisInFlight, got %v", err)
	}
	if !snap.Loading || snap.CanAnalyze() {
		t.Fatalf("expected loading snapshot, got %+v", snap)
	}

	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("first analysis failed: %v", err)
	}
	if client.calls.Load() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", client.calls.Load())
	}
	if final := ctrl.Snapshot(); final.Loading || final.Result == nil {
		t.Fatalf("expected completed snapshot, got %+v", final)
	}
}

func TestAnalyzeResultIsRankedForDisplay(t *testing.T) {
	ctrl := newTestController(&stubClient{result: gliomaResult()}, newStubPreviews())
	ctx := context.Background()
	_, _ = ctrl.Accept(ctx, pngImage("scan.png"))

	snap, err := ctrl.Analyze(ctx)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if snap.Phase() != PhaseAnalyzed {
		t.Fatalf("unexpected phase %s", snap.Phase())
	}

	ranked := RankPredictions(snap.Result.AllPredictions)
	want := []string{"glioma", "meningioma", "notumor", "pituitary"}
	for i, class := range want {
		if ranked[i].Class != class {
			t.Fatalf("position %d: got %s want %s", i, ranked[i].Class, class)
		}
	}
	if ranked[0].Tier != TierHigh || ConfidenceTier(snap.Result.Confidence) != TierHigh {
		t.Fatalf("expected glioma to be high confidence, got %s", ranked[0].Tier)
	}
}

func TestAnalyzeSurfacesBackendDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Not an MRI image"}`))
	}))
	defer server.Close()

	client := inference.NewHTTPClient(server.URL, zap.NewNop())
	ctrl := newTestController(client, newStubPreviews())
	ctx := context.Background()
	_, _ = ctrl.Accept(ctx, pngImage("cat.png"))

	snap, err := ctrl.Analyze(ctx)
	if err != nil {
		t.Fatalf("analyze returned %v", err)
	}
	if snap.Error != "Not an MRI image" {
		t.Fatalf("unexpected error message %q", snap.Error)
	}
	if snap.Result != nil || snap.Loading {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAnalyzeTimeoutClearsLoading(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := inference.NewHTTPClient(server.URL, zap.NewNop(), inference.WithTimeout(50*time.Millisecond))
	ctrl := newTestController(client, newStubPreviews())
	ctx := context.Background()
	_, _ = ctrl.Accept(ctx, pngImage("slow.png"))

	snap, err := ctrl.Analyze(ctx)
	if err != nil {
		t.Fatalf("analyze returned %v", err)
	}
	if snap.Error != inference.MsgTimeout {
		t.Fatalf("unexpected error message %q", snap.Error)
	}
	if snap.Loading {
		t.Fatal("expected loading to be cleared")
	}
	if !snap.CanAnalyze() {
		t.Fatal("expected retry to be possible")
	}
}

func TestStaleOutcomeIsDiscardedAfterNewSelection(t *testing.T) {
	client := &stubClient{result: gliomaResult(), started: make(chan struct{}, 1), release: make(chan struct{})}
	ctrl := newTestController(client, newStubPreviews())
	ctx := context.Background()
	_, _ = ctrl.Accept(ctx, pngImage("old.png"))

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Analyze(ctx)
		done <- err
	}()
	<-client.started

	fresh, err := ctrl.Accept(ctx, pngImage("new.png"))
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if fresh.Result != nil || fresh.Error != "" {
		t.Fatalf("expected cleared outcome for new selection, got %+v", fresh)
	}

	close(client.release)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	snap := ctrl.Snapshot()
	if snap.Result != nil || snap.Error != "" || snap.Loading {
		t.Fatalf("stale outcome leaked into new selection: %+v", snap)
	}
	if snap.Filename != "new.png" {
		t.Fatalf("unexpected filename %s", snap.Filename)
	}
}

func TestPendingAnalysisBlocksNewSelectionUntilItReturns(t *testing.T) {
	client := &stubClient{result: gliomaResult(), started: make(chan struct{}, 1), release: make(chan struct{})}
	ctrl := newTestController(client, newStubPreviews())
	ctx := context.Background()
	_, _ = ctrl.Accept(ctx, pngImage("a.png"))

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Analyze(ctx)
		done <- err
	}()
	<-client.started

	fresh, err := ctrl.Accept(ctx, pngImage("b.png"))
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if !fresh.Loading || fresh.CanAnalyze() {
		t.Fatalf("expected analyze to stay disabled while a request is pending, got %+v", fresh)
	}

	snap, err := ctrl.Analyze(ctx)
	if !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("expected ErrAnalysisInFlight, got %v", err)
	}
	if snap.Filename != "b.png" {
		t.Fatalf("unexpected filename %s", snap.Filename)
	}
	if got := client.calls.Load(); got != 1 {
		t.Fatalf("expected one backend call while pending, got %d", got)
	}

	close(client.release)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if idle := ctrl.Snapshot(); idle.Loading || !idle.CanAnalyze() {
		t.Fatalf("expected analyze to be re-enabled, got %+v", idle)
	}

	snap, err = ctrl.Analyze(ctx)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if snap.Result == nil || snap.Filename != "b.png" {
		t.Fatalf("expected result for the new selection, got %+v", snap)
	}
	if got := client.calls.Load(); got != 2 {
		t.Fatalf("expected two sequential backend calls, got %d", got)
	}
}

func TestAnalyzeIgnoresCallerCancellation(t *testing.T) {
	client := &stubClient{result: gliomaResult()}
	ctrl := newTestController(client, newStubPreviews())
	_, _ = ctrl.Accept(context.Background(), pngImage("scan.png"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := ctrl.Analyze(ctx)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if client.ctxErr != nil {
		t.Fatalf("backend call saw cancelled context: %v", client.ctxErr)
	}
	if snap.Result == nil {
		t.Fatal("expected result")
	}
}

func TestAcceptKeepsStateWhenPreviewFails(t *testing.T) {
	previews := newStubPreviews()
	ctrl := newTestController(&stubClient{}, previews)
	ctx := context.Background()
	before, _ := ctrl.Accept(ctx, pngImage("keep.png"))

	previews.putErr = errors.New("cache unavailable")
	after, err := ctrl.Accept(ctx, pngImage("lost.png"))
	if err == nil {
		t.Fatal("expected error")
	}
	if after.Filename != "keep.png" || after.PreviewHandle != before.PreviewHandle {
		t.Fatalf("expected previous selection to survive, got %+v", after)
	}
}

func TestCloseReleasesPreviewAndRejectsFurtherUse(t *testing.T) {
	previews := newStubPreviews()
	client := &stubClient{result: gliomaResult()}
	ctrl := newTestController(client, previews)
	ctx := context.Background()
	_, _ = ctrl.Accept(ctx, pngImage("scan.png"))

	ctrl.Close(ctx)
	ctrl.Close(ctx)
	if previews.liveCount() != 0 {
		t.Fatalf("expected preview released on close, %d live", previews.liveCount())
	}

	if _, err := ctrl.Accept(ctx, pngImage("late.png")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if previews.liveCount() != 0 {
		t.Fatalf("expected late preview to be released, %d live", previews.liveCount())
	}
	if _, err := ctrl.Analyze(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if client.calls.Load() != 0 {
		t.Fatalf("expected no backend calls, got %d", client.calls.Load())
	}
}
