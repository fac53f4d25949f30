package handlers

import (
	"errors"
	"html/template"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/auth"
	"github.com/example/mri-check/internal/inference"
	"github.com/example/mri-check/internal/logging"
	"github.com/example/mri-check/internal/preview"
	"github.com/example/mri-check/internal/upload"
)

// MaxUploadSize bounds the in-memory part of multipart parsing.
const MaxUploadSize = upload.DefaultMaxBytes

// multipartOverhead is the slack allowed on top of the file for boundaries and headers.
const multipartOverhead = 1 << 20

// Deps are the collaborators the routes need.
type Deps struct {
	Client      inference.Client
	Previews    *preview.Store
	Constraints upload.Constraints
	Sessions    gin.HandlerFunc
	Logger      *zap.Logger
}

type handler struct {
	client      inference.Client
	previews    *preview.Store
	constraints upload.Constraints
	logger      *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	h := &handler{
		client:      deps.Client,
		previews:    deps.Previews,
		constraints: deps.Constraints,
		logger:      deps.Logger.Named("handlers"),
	}

	router.SetHTMLTemplate(template.Must(template.New("page").Parse(pageTemplate)))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/health", h.backendHealth)

	withSession := router.Group("/", deps.Sessions)
	withSession.GET("/", h.page)
	withSession.POST("/image", h.formUpload)
	withSession.POST("/image/remove", h.formRemove)
	withSession.POST("/analyze", h.formAnalyze)
	withSession.GET("/preview/:handle", h.preview)

	api := router.Group("/api", deps.Sessions)
	api.GET("/state", h.state)
	api.POST("/image", h.apiUpload)
	api.DELETE("/image", h.apiRemove)
	api.POST("/analyze", h.apiAnalyze)
}

func (h *handler) backendHealth(c *gin.Context) {
	status, err := h.client.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) state(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	snap := ctrl.Snapshot()
	h.keepPreview(c, snap)
	c.JSON(http.StatusOK, newStateResponse(snap))
}

func (h *handler) apiUpload(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	img, status, err := h.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	snap, err := ctrl.Accept(c.Request.Context(), img)
	if err != nil {
		status, message := h.acceptFailure(c, err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(http.StatusOK, newStateResponse(snap))
}

func (h *handler) apiRemove(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newStateResponse(ctrl.Remove(c.Request.Context())))
}

func (h *handler) apiAnalyze(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	snap, err := ctrl.Analyze(c.Request.Context())
	if err != nil {
		c.JSON(analyzeStatus(err), gin.H{"error": err.Error(), "state": newStateResponse(snap)})
		return
	}
	c.JSON(http.StatusOK, newStateResponse(snap))
}

func (h *handler) formUpload(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	img, _, err := h.readUpload(c)
	if err != nil {
		redirectHome(c, err.Error())
		return
	}
	if _, err := ctrl.Accept(c.Request.Context(), img); err != nil {
		_, message := h.acceptFailure(c, err)
		redirectHome(c, message)
		return
	}
	redirectHome(c, "")
}

func (h *handler) formRemove(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	ctrl.Remove(c.Request.Context())
	redirectHome(c, "")
}

func (h *handler) formAnalyze(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	// Refusals leave state untouched; the page re-renders whatever is current.
	_, _ = ctrl.Analyze(c.Request.Context())
	redirectHome(c, "")
}

func (h *handler) preview(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	handle := preview.Handle(c.Param("handle"))
	if handle == "" || handle != ctrl.Snapshot().PreviewHandle {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}

	contentType, data, err := h.previews.Open(c.Request.Context(), handle)
	if errors.Is(err, preview.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to open preview", zap.Error(err), zap.String("session_id", auth.SessionID(c)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "preview unavailable"})
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, contentType, data)
}

// readUpload applies the upload constraints to the single file in field "file".
func (h *handler) readUpload(c *gin.Context) (inference.Image, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.constraints.MaxBytes+multipartOverhead)

	file, err := c.FormFile(inference.FileField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return inference.Image{}, http.StatusRequestEntityTooLarge, upload.ErrTooLarge
		}
		return inference.Image{}, http.StatusBadRequest, errors.New("image file is required")
	}
	if form := c.Request.MultipartForm; form != nil && len(form.File[inference.FileField]) > 1 {
		return inference.Image{}, http.StatusBadRequest, errors.New("only one image may be uploaded at a time")
	}

	contentType := file.Header.Get("Content-Type")
	if err := h.constraints.Check(file.Filename, contentType, file.Size); err != nil {
		return inference.Image{}, constraintStatus(err), err
	}

	src, err := file.Open()
	if err != nil {
		return inference.Image{}, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.constraints.MaxBytes+1))
	if err != nil {
		return inference.Image{}, http.StatusInternalServerError, errors.New("failed to read image")
	}
	if int64(len(data)) > h.constraints.MaxBytes {
		return inference.Image{}, http.StatusRequestEntityTooLarge, upload.ErrTooLarge
	}

	return inference.Image{Filename: file.Filename, ContentType: contentType, Data: data}, http.StatusOK, nil
}

func (h *handler) acceptFailure(c *gin.Context, err error) (int, string) {
	if errors.Is(err, upload.ErrClosed) {
		return http.StatusConflict, err.Error()
	}
	h.logger.Error("failed to accept image",
		zap.Error(logging.NewOperationError("handlers.accept", auth.SessionID(c), err)))
	return http.StatusServiceUnavailable, "failed to store image preview"
}

// keepPreview extends the preview ttl while the page that shows it is still being rendered.
func (h *handler) keepPreview(c *gin.Context, snap upload.Snapshot) {
	if snap.PreviewHandle == "" {
		return
	}
	if err := h.previews.Touch(c.Request.Context(), snap.PreviewHandle); err != nil && !errors.Is(err, preview.ErrNotFound) {
		h.logger.Warn("failed to refresh preview ttl", zap.Error(err), zap.String("session_id", auth.SessionID(c)))
	}
}

func constraintStatus(err error) int {
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

func analyzeStatus(err error) int {
	switch {
	case errors.Is(err, upload.ErrNoSelection):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrAnalysisInFlight), errors.Is(err, upload.ErrSuperseded), errors.Is(err, upload.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func controllerOrAbort(c *gin.Context) (*upload.Controller, bool) {
	ctrl, ok := auth.Controller(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return nil, false
	}
	return ctrl, true
}

func redirectHome(c *gin.Context, notice string) {
	target := "/"
	if notice != "" {
		target += "?notice=" + url.QueryEscape(notice)
	}
	c.Redirect(http.StatusSeeOther, target)
}
