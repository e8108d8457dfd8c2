// Package frames provides image sources for video and camera input.
package frames

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrNoFrame is returned when a source has no frame to offer.
var ErrNoFrame = errors.New("no frame available")

// boundaryPeek is how much of the stream is inspected to find the first
// delimiter.
const boundaryPeek = 512

// Still is a source that always yields the same image.
type Still struct {
	Image image.Image
}

func (s Still) Frame(ctx context.Context) (image.Image, error) {
	if s.Image == nil {
		return nil, ErrNoFrame
	}
	return s.Image, nil
}

// MJPEG samples a multipart/x-mixed-replace JPEG stream, as served by most
// IP cameras. Frames are decoded in the background and Frame returns the
// most recent one.
type MJPEG struct {
	body io.ReadCloser

	mu     sync.RWMutex
	latest image.Image
	err    error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	decoded   atomic.Int64
}

// NewMJPEG starts reading parts separated by boundary from body.
func NewMJPEG(body io.ReadCloser, boundary string) *MJPEG {
	m := &MJPEG{
		body:  body,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.run(boundary)
	return m
}

// OpenMJPEG connects to an MJPEG endpoint.
func OpenMJPEG(ctx context.Context, client *http.Client, url string) (*MJPEG, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream %s: unexpected status %d", url, resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("stream %s: not a multipart stream (%q)", url, resp.Header.Get("Content-Type"))
	}
	return NewMJPEG(resp.Body, params["boundary"]), nil
}

func (m *MJPEG) run(boundary string) {
	defer close(m.done)
	br := bufio.NewReader(m.body)
	mr := multipart.NewReader(br, streamBoundary(br, boundary))
	for {
		part, err := mr.NextPart()
		if err != nil {
			m.fail(err)
			return
		}
		img, err := jpeg.Decode(part)
		part.Close()
		if err != nil {
			log.Debug().Err(err).Msg("Skipping undecodable MJPEG frame")
			continue
		}

		m.mu.Lock()
		m.latest = img
		m.mu.Unlock()
		m.decoded.Add(1)
		m.readyOnce.Do(func() { close(m.ready) })
	}
}

// streamBoundary returns the boundary the stream actually uses. Some cameras
// include the delimiter's leading "--" in the Content-Type boundary, while a
// compliant boundary may itself start with dashes.
func streamBoundary(br *bufio.Reader, boundary string) string {
	trimmed, ok := strings.CutPrefix(boundary, "--")
	if !ok {
		return boundary
	}
	head, _ := br.Peek(boundaryPeek)
	if bytes.Contains(head, []byte("--"+boundary)) {
		return boundary
	}
	return trimmed
}

func (m *MJPEG) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("stream ended: %w", ErrNoFrame)
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.readyOnce.Do(func() { close(m.ready) })
}

// Frame blocks until the first frame arrives, then returns the latest one.
// After the stream ends the last decoded frame is still returned.
func (m *MJPEG) Frame(ctx context.Context) (image.Image, error) {
	select {
	case <-m.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest != nil {
		return m.latest, nil
	}
	return nil, m.err
}

// Decoded is the number of frames decoded so far.
func (m *MJPEG) Decoded() int64 {
	return m.decoded.Load()
}

// Close stops reading the stream.
func (m *MJPEG) Close() error {
	err := m.body.Close()
	<-m.done
	return err
}
