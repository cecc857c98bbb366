// Package render draws result cards and upcoming-results lists as PNG.
package render

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"golang.org/x/sync/semaphore"
)

// Renderer turns one event into an image. Implementations must be safe for
// concurrent use.
type Renderer interface {
	Render(ctx context.Context, title, description, extra string) ([]byte, error)
}

// Pool bounds concurrent rendering. Callers block until a slot is free or
// ctx ends.
type Pool struct {
	sem *semaphore.Weighted
	r   Renderer
}

func NewPool(r Renderer, workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), r: r}
}

func (p *Pool) Render(ctx context.Context, title, description, extra string) ([]byte, error) {
	var out []byte
	err := p.Do(ctx, func() error {
		var rerr error
		out, rerr = p.r.Render(ctx, title, description, extra)
		return rerr
	})
	return out, err
}

// Do runs fn while holding a slot.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
