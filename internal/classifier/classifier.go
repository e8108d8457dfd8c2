// Package classifier ranks images against a pretrained ImageNet model. The
// model is loaded lazily on first use and shared by every later call.
package classifier

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/imagenet-classifier/internal/labels"
	"github.com/Brownie44l1/imagenet-classifier/internal/metrics"
	"github.com/Brownie44l1/imagenet-classifier/internal/preprocess"
)

const defaultLoadTimeout = 2 * time.Minute

// Model runs one forward pass over a preprocessed input tensor.
type Model interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Loader produces a ready Model. It is called at most once per successful
// load.
type Loader func(ctx context.Context) (Model, error)

// FrameSource yields the current frame of a video or camera stream.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// Prediction is a labelled class score.
type Prediction struct {
	Index       int     `json:"index"`
	ClassName   string  `json:"className"`
	Probability float32 `json:"probability"`
}

// Callback receives the result of PredictAsync.
type Callback func([]Prediction, error)

type Options struct {
	// Source names the model in logs and errors.
	Source       string
	Input        preprocess.Options
	ApplySoftmax bool
	LoadTimeout  time.Duration
}

type Classifier struct {
	load   Loader
	labels *labels.Table
	opts   Options

	group singleflight.Group

	mu     sync.RWMutex
	model  Model
	closed bool
}

func New(load Loader, table *labels.Table, opts Options) *Classifier {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	return &Classifier{
		load:   load,
		labels: table,
		opts:   opts,
	}
}

// Classes is the size of the label vocabulary and the upper bound for k.
func (c *Classifier) Classes() int {
	return c.labels.Len()
}

// Loaded reports whether the model is ready.
func (c *Classifier) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model != nil
}

// Load loads the model if it is not loaded yet.
func (c *Classifier) Load(ctx context.Context) error {
	_, err := c.ensureLoaded(ctx)
	return err
}

// Predict returns the k most likely classes for img.
func (c *Classifier) Predict(ctx context.Context, img image.Image, k int) ([]Prediction, error) {
	if err := c.checkK(k); err != nil {
		return nil, err
	}
	data, err := preprocess.Tensor(img, c.opts.Input)
	if err != nil {
		return nil, &InvalidInputError{Err: err}
	}
	return c.classify(ctx, data, k)
}

// PredictTensor classifies an already preprocessed input tensor.
func (c *Classifier) PredictTensor(ctx context.Context, data []float32, k int) ([]Prediction, error) {
	if err := c.checkK(k); err != nil {
		return nil, err
	}
	if err := preprocess.CheckLen(data, c.opts.Input); err != nil {
		return nil, &InvalidInputError{Err: err}
	}
	return c.classify(ctx, data, k)
}

// PredictFrame samples the current frame of src and classifies it.
func (c *Classifier) PredictFrame(ctx context.Context, src FrameSource, k int) ([]Prediction, error) {
	if src == nil {
		return nil, &InvalidInputError{Err: fmt.Errorf("nil frame source")}
	}
	img, err := src.Frame(ctx)
	if err != nil {
		return nil, &InvalidInputError{Err: fmt.Errorf("read frame: %w", err)}
	}
	return c.Predict(ctx, img, k)
}

// PredictAsync runs Predict in a new goroutine and hands the result to cb.
func (c *Classifier) PredictAsync(ctx context.Context, img image.Image, k int, cb Callback) {
	go func() {
		preds, err := c.Predict(ctx, img, k)
		if cb != nil {
			cb(preds, err)
		}
	}()
}

// Close releases the model. Later calls fail with ErrClosed.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.model == nil {
		return nil
	}
	err := c.model.Close()
	c.model = nil
	return err
}

func (c *Classifier) checkK(k int) error {
	if k <= 0 || k > c.labels.Len() {
		return &InvalidTopKError{K: k, Max: c.labels.Len()}
	}
	return nil
}

func (c *Classifier) classify(ctx context.Context, data []float32, k int) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	scores, err := m.Run(data)
	metrics.Since(metrics.InferenceLatency, start)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if c.opts.ApplySoftmax {
		scores = Softmax(scores)
	}

	ranked, err := TopK(scores, k)
	if err != nil {
		return nil, err
	}

	preds := make([]Prediction, 0, len(ranked))
	for _, r := range ranked {
		name, err := c.labels.Lookup(r.Index)
		if err != nil {
			return nil, &LabelError{Index: r.Index, Err: err}
		}
		preds = append(preds, Prediction{Index: r.Index, ClassName: name, Probability: r.Score})
	}
	metrics.Incr(metrics.PredictionCount, []string{metrics.Tag("k", strconv.Itoa(k))})
	return preds, nil
}

func (c *Classifier) ensureLoaded(ctx context.Context) (Model, error) {
	c.mu.RLock()
	m, closed := c.model, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if m != nil {
		return m, nil
	}

	ch := c.group.DoChan("model", func() (any, error) {
		return c.loadModel(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadModel runs inside the singleflight group. The load is detached from
// the first caller's cancellation so other waiters are not failed by it.
func (c *Classifier) loadModel(ctx context.Context) (Model, error) {
	c.mu.RLock()
	if c.model != nil {
		m := c.model
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LoadTimeout)
	defer cancel()

	start := time.Now()
	log.Info().Str("source", c.opts.Source).Msg("Loading model")

	m, err := c.load(loadCtx)
	if err != nil {
		metrics.Incr(metrics.ModelLoadCount, []string{metrics.Tag("status", "error")})
		return nil, &ModelLoadError{Source: c.opts.Source, Err: err}
	}
	if err := c.warmUp(m); err != nil {
		if cerr := m.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close model after warm-up failure")
		}
		metrics.Incr(metrics.ModelLoadCount, []string{metrics.Tag("status", "error")})
		return nil, &ModelLoadError{Source: c.opts.Source, Err: fmt.Errorf("warm up: %w", err)}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = m.Close()
		return nil, ErrClosed
	}
	c.model = m
	c.mu.Unlock()

	metrics.Since(metrics.ModelLoadLatency, start)
	metrics.Incr(metrics.ModelLoadCount, []string{metrics.Tag("status", "ok")})
	log.Info().Str("source", c.opts.Source).Dur("took", time.Since(start)).Msg("Model loaded")
	return m, nil
}

// warmUp runs one pass over a zero tensor of the real input shape.
func (c *Classifier) warmUp(m Model) error {
	out, err := m.Run(make([]float32, c.opts.Input.Len()))
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return fmt.Errorf("model produced no scores")
	}
	return nil
}
