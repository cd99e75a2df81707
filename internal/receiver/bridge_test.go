package receiver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expected = []string{"1.1", "1.2", "1.3", "1.4", "1.5"}

func file(uid string) *File {
	return &File{
		Metadata: map[string]string{MetadataSOPInstanceUID: uid},
		Data:     []byte("DICM" + uid),
	}
}

func openSession(t *testing.T, broker *MemoryBroker, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.Topic == "" {
		cfg.Topic = Topic("PACS", "1", "1.1")
	}
	if cfg.Folder == "" {
		cfg.Folder = t.TempDir()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 50 * time.Millisecond
	}
	b := NewBridge(broker, WithTick(5*time.Millisecond))
	s, err := b.Open(context.Background(), cfg)
	require.NoError(t, err)
	return s
}

func publish(t *testing.T, broker *MemoryBroker, uids ...string) {
	t.Helper()
	for _, uid := range uids {
		require.NoError(t, broker.Publish(context.Background(), Topic("PACS", "1", "1.1"), file(uid)))
	}
}

func TestTopic(t *testing.T) {
	assert.Equal(t, `PACS\1.2.3\1.2.3.4`, Topic("PACS", "1.2.3", "1.2.3.4"))
}

func TestSessionCompletes(t *testing.T) {
	broker := NewMemoryBroker()
	folder := t.TempDir()
	var seen []string
	s := openSession(t, broker, SessionConfig{
		Folder:   folder,
		Expected: expected,
		OnFile: func(_ context.Context, path string, f *File) error {
			seen = append(seen, filepath.Base(path))
			return nil
		},
	})

	publish(t, broker, "1.3", "1.1", "1.3", "1.2", "9.9", "1.5", "1.4")

	require.NoError(t, s.Consume(context.Background()))
	assert.Equal(t, []string{"1.3", "1.1", "1.2", "1.5", "1.4"}, seen)
	assert.Empty(t, s.Missing())
	assert.False(t, s.Cancelled())

	data, err := os.ReadFile(filepath.Join(folder, "1.2"))
	require.NoError(t, err)
	assert.Equal(t, "DICM1.2", string(data))
	assert.NoFileExists(t, filepath.Join(folder, "9.9"))
	assert.Zero(t, broker.Subscribers(Topic("PACS", "1", "1.1")))
}

func TestSessionSomeMissing(t *testing.T) {
	broker := NewMemoryBroker()
	var idle atomic.Int32
	s := openSession(t, broker, SessionConfig{
		Expected: expected,
		OnIdle:   func() { idle.Add(1) },
	})

	publish(t, broker, "1.1", "1.2", "1.4")

	err := s.Consume(context.Background())
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"1.3", "1.5"}, incomplete.Missing)
	assert.False(t, incomplete.None())
	assert.Equal(t, "Failed to download some images with C-MOVE. Missing images: 1.3, 1.5", err.Error())
	assert.Equal(t, int32(1), idle.Load())
	assert.True(t, s.Cancelled())
}

func TestSessionNothingArrives(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{Expected: expected})

	err := s.Consume(context.Background())
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.True(t, incomplete.None())
	assert.Equal(t, "Failed to download all images with C-MOVE.", err.Error())
}

func TestSessionIdleTimerResetsOnProgress(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{
		Expected:    []string{"1.1", "1.2", "1.3"},
		IdleTimeout: 150 * time.Millisecond,
	})

	go func() {
		for _, uid := range []string{"1.1", "1.2", "1.3"} {
			time.Sleep(60 * time.Millisecond)
			_ = broker.Publish(context.Background(), Topic("PACS", "1", "1.1"), file(uid))
		}
	}()

	assert.NoError(t, s.Consume(context.Background()))
}

func TestSessionIdleTimerResetsOnUnexpectedFiles(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{
		Expected:    []string{"1.1", "1.2"},
		IdleTimeout: 150 * time.Millisecond,
	})

	// Only foreign instances arrive between the two expected ones, and the
	// gap between expected files is longer than the idle timeout.
	go func() {
		_ = broker.Publish(context.Background(), Topic("PACS", "1", "1.1"), file("1.1"))
		for _, uid := range []string{"9.1", "9.2", "9.3"} {
			time.Sleep(60 * time.Millisecond)
			_ = broker.Publish(context.Background(), Topic("PACS", "1", "1.1"), file(uid))
		}
		time.Sleep(60 * time.Millisecond)
		_ = broker.Publish(context.Background(), Topic("PACS", "1", "1.1"), file("1.2"))
	}()

	assert.NoError(t, s.Consume(context.Background()))
	assert.False(t, s.Cancelled())
}

func TestSessionHandlerErrorEndsConsume(t *testing.T) {
	broker := NewMemoryBroker()
	folder := t.TempDir()
	boom := errors.New("disk on fire")
	s := openSession(t, broker, SessionConfig{
		Folder:   folder,
		Expected: expected,
		OnFile:   func(context.Context, string, *File) error { return boom },
	})

	publish(t, broker, "1.1")
	assert.ErrorIs(t, s.Consume(context.Background()), boom)
	assert.NoFileExists(t, filepath.Join(folder, "1.1"))
}

func TestSessionWriteErrorIsWrapped(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{
		Expected:  expected,
		WriteFile: func(string, []byte) error { return os.ErrPermission },
	})

	publish(t, broker, "1.1")
	assert.ErrorIs(t, s.Consume(context.Background()), os.ErrPermission)
}

func TestSessionRejectsPathsInUID(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{Expected: []string{"../1.1"}})

	publish(t, broker, "../1.1")
	assert.ErrorContains(t, s.Consume(context.Background()), "invalid SOPInstanceUID")
}

func TestSessionWithNothingExpectedReturnsImmediately(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{})
	assert.NoError(t, s.Consume(context.Background()))
	assert.Zero(t, broker.Subscribers(Topic("PACS", "1", "1.1")))
}

func TestSessionContextCancellation(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{Expected: expected, IdleTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Consume(ctx), context.Canceled)
	assert.Zero(t, broker.Subscribers(Topic("PACS", "1", "1.1")))
}

func TestMemoryBrokerClose(t *testing.T) {
	broker := NewMemoryBroker()
	s := openSession(t, broker, SessionConfig{Expected: expected, IdleTimeout: time.Hour})

	require.NoError(t, broker.Close())
	err := s.Consume(context.Background())
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)

	assert.ErrorIs(t, broker.Publish(context.Background(), "x", file("1")), ErrClosed)
	_, err = broker.Subscribe(context.Background(), "x", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
