package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"concallbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const (
	defaultLogFile = "./concallbot.log"
	logQueueSize   = 256
	logSendTimeout = 15 * time.Second
)

// TextSender is the part of the channel the log chat sink needs.
type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Service owns the sinks behind every Logger it hands out. Apply rebuilds
// them in place.
type Service struct {
	root   atomic.Pointer[zerolog.Logger]
	sender TextSender

	mu       sync.Mutex
	file     *os.File
	target   transport.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue   chan logLine
	dropped atomic.Int64
	start   sync.Once
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type logLine struct {
	to   transport.ChatTarget
	text string
}

// New applies cfg and returns the service with its root logger. sender may
// be nil; the log chat sink then discards.
func New(cfg Config, sender TextSender) (*Service, Logger) {
	s := &Service{sender: sender, queue: make(chan logLine, logQueueSize)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

// SetTelegramTarget sets the log chat. A zero threadID keeps the configured one.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.target.ChatID = chatID
	if threadID != 0 {
		s.target.ThreadID = threadID
	}
	s.mu.Unlock()
}

// Apply swaps sinks and levels. Loggers already handed out follow.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Telegram.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Telegram.ThreadID != 0 {
		s.target.ThreadID = cfg.Telegram.ThreadID
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.start.Do(s.startSender)
		sinks = append(sinks, chatSink{s})
	}
	if len(sinks) == 0 {
		sinks = append(sinks, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Dropped counts log chat lines lost to a full queue.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Close stops the log chat sender and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f, stop := s.file, s.stop
	s.file, s.stop = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.wg.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// startSender runs with s.mu held.
func (s *Service) startSender() {
	if s.sender == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ln := <-s.queue:
				if n := s.dropped.Swap(0); n > 0 {
					ln.text += fmt.Sprintf("\n(%d earlier log lines dropped)", n)
				}
				sctx, done := context.WithTimeout(ctx, logSendTimeout)
				_, _ = s.sender.SendText(sctx, ln.to, ln.text, &transport.SendOptions{DisablePreview: true})
				done()
			}
		}
	}()
}

// offer never blocks the caller.
func (s *Service) offer(to transport.ChatTarget, text string) {
	select {
	case s.queue <- logLine{to: to, text: text}:
	default:
		s.dropped.Add(1)
	}
}
