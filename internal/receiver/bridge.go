package receiver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTick is how often a session checks for idleness.
const DefaultTick = time.Second

// IncompleteError reports a session that ended before every expected file
// arrived.
type IncompleteError struct {
	Expected int
	Missing  []string
}

// None reports whether no file arrived at all.
func (e *IncompleteError) None() bool {
	return len(e.Missing) == e.Expected
}

func (e *IncompleteError) Error() string {
	if e.None() {
		return "Failed to download all images with C-MOVE."
	}
	return "Failed to download some images with C-MOVE. Missing images: " + strings.Join(e.Missing, ", ")
}

// Bridge opens receiver sessions on a Subscriber.
type Bridge struct {
	sub  Subscriber
	tick time.Duration
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTick sets the idle check interval.
func WithTick(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.tick = d }
}

// NewBridge creates a bridge consuming from sub.
func NewBridge(sub Subscriber, opts ...BridgeOption) *Bridge {
	b := &Bridge{sub: sub, tick: DefaultTick}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SessionConfig describes the files one C-MOVE is expected to produce.
type SessionConfig struct {
	Topic    string
	Folder   string
	Expected []string
	// IdleTimeout ends the session when no file arrived on the topic for
	// this long, counted from the last arrival or from Open.
	IdleTimeout time.Duration
	// Key defaults to SOPInstanceKey.
	Key KeyFunc
	// OnFile runs after a file was written to path. An error removes the
	// file and ends the session.
	OnFile func(ctx context.Context, path string, f *File) error
	// OnIdle runs when the idle timeout fires, after the subscription was
	// cancelled.
	OnIdle func()
	// WriteFile defaults to os.WriteFile.
	WriteFile func(name string, data []byte) error
}

// Session tracks the files still expected for one C-MOVE.
type Session struct {
	cfg  SessionConfig
	tick time.Duration
	sub  Subscription

	expected []string

	mu           sync.Mutex
	remaining    map[string]struct{}
	lastProgress time.Time
	cancelled    bool
}

// Open subscribes to cfg.Topic. It must be called before the move is
// requested so that no file is published before the subscription exists.
func (b *Bridge) Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Key == nil {
		cfg.Key = SOPInstanceKey
	}
	if cfg.WriteFile == nil {
		cfg.WriteFile = func(name string, data []byte) error { return os.WriteFile(name, data, 0o644) }
	}
	s := &Session{
		cfg:          cfg,
		tick:         b.tick,
		remaining:    make(map[string]struct{}, len(cfg.Expected)),
		lastProgress: time.Now(),
	}
	for _, uid := range cfg.Expected {
		if _, dup := s.remaining[uid]; !dup {
			s.remaining[uid] = struct{}{}
			s.expected = append(s.expected, uid)
		}
	}
	if len(s.remaining) == 0 {
		return s, nil
	}

	sub, err := b.sub.Subscribe(ctx, cfg.Topic, s.handle, cfg.Key)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *Session) handle(ctx context.Context, f *File) (bool, error) {
	uid := f.Metadata[MetadataSOPInstanceUID]
	if uid == "" || uid == "." || uid == ".." || strings.ContainsAny(uid, `/\`) {
		return false, fmt.Errorf("receiver published a file with invalid SOPInstanceUID %q", uid)
	}

	// Any delivery on the topic shows the sender is still active.
	s.mu.Lock()
	_, wanted := s.remaining[uid]
	s.lastProgress = time.Now()
	s.mu.Unlock()
	if !wanted {
		log.Debug().Str("topic", s.cfg.Topic).Str("sop_instance_uid", uid).Msg("Ignoring unexpected file")
		return false, nil
	}

	path := filepath.Join(s.cfg.Folder, uid)
	if err := s.cfg.WriteFile(path, f.Data); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if s.cfg.OnFile != nil {
		if err := s.cfg.OnFile(ctx, path, f); err != nil {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				log.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove rejected file")
			}
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remaining, uid)
	s.lastProgress = time.Now()
	return len(s.remaining) == 0, nil
}

// Consume waits until every expected file arrived, the idle timeout fired,
// the handler failed or ctx was cancelled.
func (s *Session) Consume(ctx context.Context) error {
	if s.sub == nil {
		return nil
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.sub.Done():
			if err := s.sub.Err(); err != nil {
				return err
			}
			return s.outcome()

		case <-ctx.Done():
			s.cancel()
			return ctx.Err()

		case <-ticker.C:
			if !s.idle() {
				continue
			}
			s.cancel()
			if err := s.sub.Err(); err != nil {
				return err
			}
			log.Warn().
				Str("topic", s.cfg.Topic).
				Dur("idle_timeout", s.cfg.IdleTimeout).
				Int("missing", len(s.Missing())).
				Msg("No file received within idle timeout")
			if s.cfg.OnIdle != nil {
				s.cfg.OnIdle()
			}
			return s.outcome()
		}
	}
}

func (s *Session) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.sub.Cancel()
}

func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastProgress) > s.cfg.IdleTimeout
}

// Missing returns the expected UIDs not yet received, in expected order.
func (s *Session) Missing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	missing := make([]string, 0, len(s.remaining))
	for _, uid := range s.expected {
		if _, ok := s.remaining[uid]; ok {
			missing = append(missing, uid)
		}
	}
	return missing
}

func (s *Session) outcome() error {
	missing := s.Missing()
	if len(missing) == 0 {
		return nil
	}
	return &IncompleteError{Expected: len(s.expected), Missing: missing}
}

// Cancelled reports whether the session was stopped before completion.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
