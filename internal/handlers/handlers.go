package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/imagenet-classifier/internal/cache"
	"github.com/Brownie44l1/imagenet-classifier/internal/classifier"
	"github.com/Brownie44l1/imagenet-classifier/internal/labels"
)

// Predictor is the part of the classifier the handlers need.
type Predictor interface {
	Predict(ctx context.Context, img image.Image, k int) ([]classifier.Prediction, error)
	PredictTensor(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error)
	Loaded() bool
	Classes() int
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
	K     int       `json:"k"`
}

type PredictionResponse struct {
	Class       string                  `json:"class"`
	Confidence  float32                 `json:"confidence"`
	Predictions []classifier.Prediction `json:"predictions"`
	Cached      bool                    `json:"cached,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Options struct {
	DefaultTopK    int
	MaxUploadBytes int64
}

type Handler struct {
	predictor Predictor
	labels    *labels.Table
	cache     *cache.Predictions
	opts      Options
}

// NewHandler wires the HTTP handlers. cache may be nil.
func NewHandler(p Predictor, table *labels.Table, c *cache.Predictions, opts Options) *Handler {
	return &Handler{
		predictor: p,
		labels:    table,
		cache:     c,
		opts:      opts,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/labels", h.Labels)
	r.POST("/predict", h.Predict)
	r.POST("/predict/image", h.PredictFromImage)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": h.predictor.Loaded(),
		"classes":      h.predictor.Classes(),
	})
}

func (h *Handler) Labels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"labels": h.labels.Names()})
}

// Predict classifies a raw, already normalised tensor.
//
// POST /predict?k=5  {"image": [...], "k": 5}
func (h *Handler) Predict(c *gin.Context) {
	var req PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"})
		return
	}

	k, err := h.topK(c, req.K)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	preds, err := h.predictor.PredictTensor(c.Request.Context(), req.Image, k)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newResponse(preds, false))
}

// PredictFromImage classifies an uploaded image.
//
// POST /predict/image?k=5  multipart/form-data, field "image"
func (h *Handler) PredictFromImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: fmt.Sprintf("Image exceeds %d bytes", h.opts.MaxUploadBytes)})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "No image file provided. Use 'image' as the form field name"})
		return
	}
	defer file.Close()

	k, err := h.topK(c, 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read uploaded image")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read image"})
		return
	}

	key := cache.Key(raw, k)
	if preds, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, newResponse(preds, true))
		return
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid image format. Supported: JPEG, PNG, GIF"})
		return
	}
	log.Debug().
		Str("file", header.Filename).
		Int64("size", header.Size).
		Str("format", format).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("Received image")

	preds, err := h.predictor.Predict(c.Request.Context(), img, k)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.cache.Set(key, preds)
	c.JSON(http.StatusOK, newResponse(preds, false))
}

// topK resolves k from the query string, then the body, then the default.
func (h *Handler) topK(c *gin.Context, fromBody int) (int, error) {
	if q := c.Query("k"); q != "" {
		k, err := strconv.Atoi(q)
		if err != nil {
			return 0, fmt.Errorf("k must be an integer, got %q", q)
		}
		return k, nil
	}
	if fromBody != 0 {
		return fromBody, nil
	}
	return h.opts.DefaultTopK, nil
}

func (h *Handler) fail(c *gin.Context, err error) {
	var (
		topKErr  *classifier.InvalidTopKError
		inputErr *classifier.InvalidInputError
		loadErr  *classifier.ModelLoadError
	)
	switch {
	case errors.As(err, &topKErr), errors.As(err, &inputErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &loadErr), errors.Is(err, classifier.ErrClosed):
		log.Error().Err(err).Msg("Model unavailable")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Model unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Request cancelled"})
	default:
		log.Error().Err(err).Msg("Prediction error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Prediction failed"})
	}
}

func newResponse(preds []classifier.Prediction, cached bool) PredictionResponse {
	resp := PredictionResponse{Predictions: preds, Cached: cached}
	if len(preds) > 0 {
		resp.Class = preds[0].ClassName
		resp.Confidence = preds[0].Probability
	}
	return resp
}
