package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/imagenet-classifier/internal/cache"
	"github.com/Brownie44l1/imagenet-classifier/internal/classifier"
	"github.com/Brownie44l1/imagenet-classifier/internal/handlers"
	"github.com/Brownie44l1/imagenet-classifier/internal/labels"
)

type mockPredictor struct {
	PredictFunc       func(ctx context.Context, img image.Image, k int) ([]classifier.Prediction, error)
	PredictTensorFunc func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error)
	loaded            bool
	classes           int
	calls             int
}

func (m *mockPredictor) Predict(ctx context.Context, img image.Image, k int) ([]classifier.Prediction, error) {
	m.calls++
	return m.PredictFunc(ctx, img, k)
}

func (m *mockPredictor) PredictTensor(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error) {
	m.calls++
	return m.PredictTensorFunc(ctx, data, k)
}

func (m *mockPredictor) Loaded() bool { return m.loaded }

func (m *mockPredictor) Classes() int { return m.classes }

var twoPreds = []classifier.Prediction{
	{Index: 1, ClassName: "goldfish", Probability: 0.5},
	{Index: 3, ClassName: "tiger shark", Probability: 0.25},
}

func newRouter(t *testing.T, p handlers.Predictor, c *cache.Predictions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	table, err := labels.New([]string{"tench", "goldfish", "great white shark", "tiger shark"})
	require.NoError(t, err)

	h := handlers.NewHandler(p, table, c, handlers.Options{DefaultTopK: 2, MaxUploadBytes: 1 << 20})
	r := gin.New()
	r.Use(handlers.RequestLogger())
	h.Register(r)
	return r
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{10, 200, 30, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, target, field string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, "upload.png")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	r := newRouter(t, &mockPredictor{loaded: true, classes: 4}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","model_loaded":true,"classes":4}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(handlers.RequestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newRouter(t, &mockPredictor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(handlers.RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get(handlers.RequestIDHeader))
}

func TestLabels(t *testing.T) {
	r := newRouter(t, &mockPredictor{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/labels", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"labels":["tench","goldfish","great white shark","tiger shark"]}`, w.Body.String())
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name           string
		target         string
		body           string
		mockFunc       func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:   "success: default k",
			target: "/predict",
			body:   `{"image":[0.1,0.2]}`,
			mockFunc: func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error) {
				if k != 2 || len(data) != 2 {
					return nil, errors.New("unexpected arguments")
				}
				return twoPreds, nil
			},
			expectedStatus: http.StatusOK,
			expectedBody: `{"class":"goldfish","confidence":0.5,"predictions":[
				{"index":1,"className":"goldfish","probability":0.5},
				{"index":3,"className":"tiger shark","probability":0.25}]}`,
		},
		{
			name:   "success: k from query wins over body",
			target: "/predict?k=1",
			body:   `{"image":[0.1],"k":3}`,
			mockFunc: func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error) {
				if k != 1 {
					return nil, errors.New("unexpected k")
				}
				return twoPreds[:1], nil
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"class":"goldfish","confidence":0.5,"predictions":[{"index":1,"className":"goldfish","probability":0.5}]}`,
		},
		{
			name:           "error: invalid json",
			target:         "/predict",
			body:           `nope`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"Invalid JSON"}`,
		},
		{
			name:           "error: non numeric k",
			target:         "/predict?k=ten",
			body:           `{"image":[0.1]}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"k must be an integer, got \"ten\""}`,
		},
		{
			name:   "error: k out of range",
			target: "/predict?k=9",
			body:   `{"image":[0.1]}`,
			mockFunc: func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error) {
				return nil, &classifier.InvalidTopKError{K: k, Max: 4}
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"invalid top k 9: must be between 1 and 4"}`,
		},
		{
			name:   "error: wrong tensor length",
			target: "/predict",
			body:   `{"image":[0.1]}`,
			mockFunc: func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error) {
				return nil, &classifier.InvalidInputError{Err: errors.New("expected 12 values, got 1")}
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"invalid input: expected 12 values, got 1"}`,
		},
		{
			name:   "error: model load failed",
			target: "/predict",
			body:   `{"image":[0.1]}`,
			mockFunc: func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error) {
				return nil, &classifier.ModelLoadError{Source: "https://example.com/m.onnx", Err: errors.New("dial tcp: timeout")}
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `{"error":"Model unavailable"}`,
		},
		{
			name:   "error: inference failed",
			target: "/predict",
			body:   `{"image":[0.1]}`,
			mockFunc: func(ctx context.Context, data []float32, k int) ([]classifier.Prediction, error) {
				return nil, errors.New("inference failed: boom")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"error":"Prediction failed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, &mockPredictor{PredictTensorFunc: tt.mockFunc}, nil)

			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestPredictFromImage(t *testing.T) {
	tests := []struct {
		name           string
		setupRequest   func(t *testing.T) *http.Request
		mockFunc       func(ctx context.Context, img image.Image, k int) ([]classifier.Prediction, error)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "success",
			setupRequest: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/predict/image?k=2", "image", pngBytes(t))
			},
			mockFunc: func(ctx context.Context, img image.Image, k int) ([]classifier.Prediction, error) {
				if img.Bounds().Dx() != 4 {
					return nil, errors.New("unexpected image")
				}
				return twoPreds, nil
			},
			expectedStatus: http.StatusOK,
			expectedBody: `{"class":"goldfish","confidence":0.5,"predictions":[
				{"index":1,"className":"goldfish","probability":0.5},
				{"index":3,"className":"tiger shark","probability":0.25}]}`,
		},
		{
			name: "error: wrong field name",
			setupRequest: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/predict/image", "file", pngBytes(t))
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"No image file provided. Use 'image' as the form field name"}`,
		},
		{
			name: "error: not an image",
			setupRequest: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/predict/image", "image", []byte("plain text"))
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"Invalid image format. Supported: JPEG, PNG, GIF"}`,
		},
		{
			name: "error: model unavailable",
			setupRequest: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/predict/image", "image", pngBytes(t))
			},
			mockFunc: func(ctx context.Context, img image.Image, k int) ([]classifier.Prediction, error) {
				return nil, &classifier.ModelLoadError{Source: "m.onnx", Err: errors.New("404")}
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `{"error":"Model unavailable"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, &mockPredictor{PredictFunc: tt.mockFunc}, nil)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, tt.setupRequest(t))

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestPredictFromImageUsesCache(t *testing.T) {
	mock := &mockPredictor{
		PredictFunc: func(ctx context.Context, img image.Image, k int) ([]classifier.Prediction, error) {
			return twoPreds, nil
		},
	}
	r := newRouter(t, mock, cache.New(1<<20, time.Minute))
	content := pngBytes(t)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, uploadRequest(t, "/predict/image?k=2", "image", content))
		require.Equal(t, http.StatusOK, w.Code)

		var resp handlers.PredictionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, twoPreds, resp.Predictions)
		assert.Equal(t, i > 0, resp.Cached)
	}
	assert.Equal(t, 1, mock.calls)
}

func TestPredictFromImageTooLarge(t *testing.T) {
	mock := &mockPredictor{}
	r := newRouter(t, mock, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "/predict/image", "image", bytes.Repeat([]byte{1}, 2<<20)))

	assert.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, w.Code)
	assert.Zero(t, mock.calls)
}
