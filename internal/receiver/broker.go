// Package receiver consumes instances published by the receiver service,
// the C-MOVE destination that republishes every stored file on a pub/sub
// channel keyed by series.
package receiver

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Metadata keys set by the receiver service.
const (
	MetadataSOPInstanceUID    = "SOPInstanceUID"
	MetadataSOPClassUID       = "SOPClassUID"
	MetadataStudyInstanceUID  = "StudyInstanceUID"
	MetadataSeriesInstanceUID = "SeriesInstanceUID"
	MetadataTransferSyntaxUID = "TransferSyntaxUID"
	MetadataCallingAETitle    = "CallingAETitle"
)

// ErrClosed is returned when the broker goes away under a subscription.
var ErrClosed = errors.New("receiver: broker closed")

// Topic returns the channel on which files moved on behalf of aeTitle for
// one series are published.
func Topic(aeTitle, studyUID, seriesUID string) string {
	return aeTitle + `\` + studyUID + `\` + seriesUID
}

// File is one stored instance as published by the receiver service.
type File struct {
	Metadata map[string]string `json:"metadata"`
	Data     []byte            `json:"data"`
}

// KeyFunc extracts the identity used to drop redelivered messages.
type KeyFunc func(*File) string

// SOPInstanceKey identifies files by their SOP Instance UID.
func SOPInstanceKey(f *File) string {
	return f.Metadata[MetadataSOPInstanceUID]
}

// MessageHandler processes one file. Returning done ends the subscription
// successfully; an error ends it with that error.
type MessageHandler func(ctx context.Context, f *File) (done bool, err error)

// Subscription is a running topic consumer.
type Subscription interface {
	// Done is closed once the subscription has ended.
	Done() <-chan struct{}
	// Err reports why the subscription ended. It is nil while running,
	// after a handler reported done and after Cancel.
	Err() error
	// Cancel stops the subscription and waits for it to end.
	Cancel()
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler MessageHandler, key KeyFunc) (Subscription, error)
}

// Publisher publishes files. The receiver service is the production
// publisher; it is also used by tests and the CLI.
type Publisher interface {
	Publish(ctx context.Context, topic string, f *File) error
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *subscription) Cancel() {
	s.cancel()
	<-s.done
}

// consume feeds messages from in to handler until the handler finishes,
// ctx is cancelled or in is closed. Messages with an already seen key are
// dropped; messages without a key are always delivered.
func consume(ctx context.Context, in <-chan *File, handler MessageHandler, key KeyFunc, cleanup func()) *subscription {
	if key == nil {
		key = SOPInstanceKey
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer cancel()
		defer cleanup()

		seen := make(map[string]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					s.err = ErrClosed
					return
				}
				k := key(f)
				if k == "" {
					k = uuid.NewString()
				}
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}

				done, err := handler(ctx, f)
				if err != nil {
					s.err = err
					return
				}
				if done {
					return
				}
			}
		}
	}()
	return s
}
