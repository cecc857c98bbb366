package render

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"Financial", "Results for", "the Quarter"}, wrap("Financial Results for the Quarter", 11, 0))
	assert.Equal(t, []string{"abcdef", "gh"}, wrap("abcdefgh", 6, 0))
	assert.Equal(t, []string{"one two", "thre..."}, wrap("one two three four five", 7, 2))
	assert.Empty(t, wrap("   ", 10, 3))
}

func TestClip(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "long...", clip("long name here", 7))
}

func TestCardRender(t *testing.T) {
	t.Parallel()
	c := Card{Brand: "concallbot", Size: 540}
	b, err := c.Render(context.Background(), "Infosys Ltd.",
		strings.Repeat("Consolidated Financial Results for the Quarter ended December 2024 ", 6), "10 Jan 2025 14:30")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 540, img.Bounds().Dx())
	assert.Equal(t, 540, img.Bounds().Dy())
}

func TestCardRenderCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Card{}.Render(ctx, "a", "b", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestListRender(t *testing.T) {
	t.Parallel()
	items := []ListItem{{Code: "500209", Name: "Infosys Ltd."}, {Code: "TATAMOTORS", Name: "Tata Motors Ltd."}}
	b, err := List{Brand: "concallbot", Width: 540}.Render(context.Background(), "15 Jan 2025", items, 2, 3)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 540, img.Bounds().Dx())
	assert.Equal(t, 675, img.Bounds().Dy())
}

type slowRenderer struct {
	active, peak atomic.Int32
}

func (s *slowRenderer) Render(ctx context.Context, title, description, extra string) ([]byte, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return []byte(title), nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	sr := &slowRenderer{}
	p := NewPool(sr, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := p.Render(context.Background(), "x", "", "")
			assert.NoError(t, err)
			assert.Equal(t, "x", string(b))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, sr.peak.Load(), int32(2))
}

func TestPoolHonorsContext(t *testing.T) {
	t.Parallel()
	p := NewPool(&slowRenderer{}, 1)
	hold := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func() error { <-hold; return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Render(ctx, "x", "", "")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	close(hold)
}
