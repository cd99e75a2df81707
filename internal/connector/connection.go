// Package connector implements find, retrieve and store operations against
// a remote DICOM application entity on top of pkg/dimse.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-transfer-connector/internal/receiver"
	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// Connector runs operations against one server. It holds at most one
// association at a time and is not safe for concurrent operations.
type Connector struct {
	server Server
	config Config

	bridge     *receiver.Bridge
	folderName FolderNamer
	dial       func(ctx context.Context, network, address string) (net.Conn, error)
	sleep      func(ctx context.Context, d time.Duration) error
	writeFile  func(name string, data []byte) error

	mu    sync.Mutex
	assoc *dimse.Association
}

// Option configures a Connector.
type Option func(*Connector)

// WithReceiver enables C-MOVE downloads through the receiver service.
func WithReceiver(b *receiver.Bridge) Option {
	return func(c *Connector) { c.bridge = b }
}

// WithFolderNamer overrides how study downloads name series folders.
func WithFolderNamer(f FolderNamer) Option {
	return func(c *Connector) { c.folderName = f }
}

// WithDialer replaces the TCP dialer used for associations.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(c *Connector) { c.dial = dial }
}

// New creates a connector for server.
func New(server Server, config Config, opts ...Option) *Connector {
	if config.CallingAETitle == "" {
		config.CallingAETitle = DefaultCallingAETitle
	}
	if config.ReceiverAETitle == "" {
		config.ReceiverAETitle = config.CallingAETitle
	}
	if config.MoveIdleTimeout == 0 {
		config.MoveIdleTimeout = DefaultMoveIdleTimeout
	}
	if config.ConnectionRetries < 0 {
		config.ConnectionRetries = 0
	}
	c := &Connector{
		server:     server,
		config:     config,
		folderName: SeriesFolderName,
		sleep:      sleepContext,
		writeFile:  writeFile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Server returns the server this connector talks to.
func (c *Connector) Server() Server {
	return c.server
}

// Open establishes an association proposing the contexts for kind.
func (c *Connector) Open(ctx context.Context, kind OperationKind) error {
	_, err := c.open(ctx, contextsFor(kind))
	return err
}

func (c *Connector) open(ctx context.Context, contexts []dimse.PresentationContext) (*dimse.Association, error) {
	if c.current() != nil {
		return nil, invariant("an association with %s is already open", c.server.AETitle)
	}

	cfg := dimse.AssociationConfig{
		Host:           c.server.Host,
		Port:           c.server.Port,
		CallingAET:     c.config.CallingAETitle,
		CalledAET:      c.server.AETitle,
		Contexts:       contexts,
		ConnectTimeout: c.config.NetworkTimeout,
		ACSETimeout:    c.config.ACSETimeout,
		DIMSETimeout:   c.config.DIMSETimeout,
		MaxPDULength:   c.config.MaxPDULength,
		Dial:           c.dial,
	}

	attempts := c.config.ConnectionRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		assoc, err := dimse.Connect(ctx, cfg)
		if err == nil {
			c.mu.Lock()
			c.assoc = assoc
			c.mu.Unlock()
			log.Debug().
				Str("ae_title", c.server.AETitle).
				Int("attempt", attempt).
				Int("contexts", len(assoc.AcceptedContexts())).
				Msg("Association established")
			return assoc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, dimse.ErrNoPresentationContext) {
			return nil, configError("%s accepted none of the proposed presentation contexts.", c.server.AETitle)
		}
		lastErr = err

		log.Warn().
			Err(err).
			Str("ae_title", c.server.AETitle).
			Str("address", net.JoinHostPort(c.server.Host, fmt.Sprint(c.server.Port))).
			Int("attempt", attempt).
			Int("attempts", attempts).
			Msg("Failed to associate")

		if attempt < attempts {
			if err := c.sleep(ctx, c.config.RetryTimeout); err != nil {
				return nil, err
			}
		}
	}
	return nil, &TransportError{Server: c.server.AETitle, Attempts: attempts, Err: lastErr}
}

// Close releases the open association.
func (c *Connector) Close() error {
	c.mu.Lock()
	assoc := c.assoc
	c.assoc = nil
	c.mu.Unlock()

	if assoc == nil || assoc.Closed() {
		return invariant("no association with %s is open", c.server.AETitle)
	}
	if err := assoc.Release(); err != nil {
		log.Warn().Err(err).Str("ae_title", c.server.AETitle).Msg("Association release failed")
	}
	return nil
}

// Abort tears the open association down without release. It may be called
// while another goroutine is blocked in an operation.
func (c *Connector) Abort() error {
	c.mu.Lock()
	assoc := c.assoc
	c.assoc = nil
	c.mu.Unlock()

	if assoc == nil || assoc.Closed() {
		return invariant("no association with %s is open", c.server.AETitle)
	}
	_ = assoc.Abort()
	return nil
}

// abortIfOpen is Abort for watchdogs and handlers that may race a close.
func (c *Connector) abortIfOpen() {
	c.mu.Lock()
	assoc := c.assoc
	c.assoc = nil
	c.mu.Unlock()

	if assoc != nil {
		log.Warn().Str("ae_title", c.server.AETitle).Msg("Aborting association")
		_ = assoc.Abort()
	}
}

// current returns the live association, forgetting one that was closed
// underneath the connector.
func (c *Connector) current() *dimse.Association {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assoc != nil && c.assoc.Closed() {
		c.assoc = nil
	}
	return c.assoc
}

// Session runs fn with an association for kind. Operations called inside
// fn reuse it; it is closed when fn returns if Session opened it.
func (c *Connector) Session(ctx context.Context, kind OperationKind, fn func(ctx context.Context) error) error {
	return c.withAssociation(ctx, contextsFor(kind), func(*dimse.Association) error {
		return fn(ctx)
	})
}

// withAssociation reuses a live association or opens one. Only the call
// that opened it closes it, and only if it is still the live handle.
func (c *Connector) withAssociation(ctx context.Context, contexts []dimse.PresentationContext, fn func(*dimse.Association) error) error {
	assoc := c.current()
	if assoc != nil {
		return fn(assoc)
	}
	if !c.config.AutoConnect {
		return invariant("no association with %s is open and auto-connect is disabled", c.server.AETitle)
	}

	assoc, err := c.open(ctx, contexts)
	if err != nil {
		return err
	}
	defer func() {
		c.mu.Lock()
		owned := c.assoc == assoc
		if owned {
			c.assoc = nil
		}
		c.mu.Unlock()
		if owned && !assoc.Closed() {
			if err := assoc.Release(); err != nil {
				log.Warn().Err(err).Str("ae_title", c.server.AETitle).Msg("Association release failed")
			}
		}
	}()
	return fn(assoc)
}

// operationError classifies a failure raised by the association while an
// operation was running.
func operationError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dimse.ErrNoPresentationContext) {
		return configError("The association does not support %s: %v", op, err)
	}
	if ctx.Err() != nil {
		return err
	}
	return &RetriableError{
		Msg: fmt.Sprintf("Connection timed out, was aborted or received invalid response during %s.", op),
		Err: err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeFile(name string, data []byte) error {
	return os.WriteFile(name, data, 0o644)
}
