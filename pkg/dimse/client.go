package dimse

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// AssociationConfig holds configuration for DICOM associations
type AssociationConfig struct {
	Host       string
	Port       int
	CallingAET string
	CalledAET  string

	// Contexts are proposed in order. Zero IDs are assigned odd numbers.
	Contexts []PresentationContext

	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration
	// ACSETimeout bounds association negotiation and release.
	ACSETimeout time.Duration
	// DIMSETimeout bounds the wait for each DIMSE message; zero waits
	// indefinitely.
	DIMSETimeout time.Duration
	MaxPDULength uint32

	// Dial replaces the default TCP dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Association represents a negotiated DICOM association. It is used by one
// goroutine at a time, except for Abort which may be called concurrently.
type Association struct {
	conn       net.Conn
	reader     *MessageReader
	config     AssociationConfig
	accepted   []PresentationContext
	peerMaxPDU uint32
	messageID  atomic.Uint32

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Connect dials the peer and negotiates an association.
func Connect(ctx context.Context, config AssociationConfig) (*Association, error) {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ACSETimeout == 0 {
		config.ACSETimeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384 // 16KB default
	}
	if len(config.Contexts) == 0 {
		return nil, fmt.Errorf("no presentation contexts to propose")
	}
	if len(config.Contexts) > 128 {
		return nil, fmt.Errorf("too many presentation contexts: %d", len(config.Contexts))
	}
	contexts := make([]PresentationContext, len(config.Contexts))
	copy(contexts, config.Contexts)
	for i := range contexts {
		if contexts[i].ID == 0 {
			contexts[i].ID = byte(2*i + 1)
		}
	}
	config.Contexts = contexts

	dial := config.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: config.ConnectTimeout}
		dial = dialer.DialContext
	}
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	a := &Association{
		conn:   conn,
		reader: NewMessageReader(conn),
		config: config,
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := a.negotiate(); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return a, nil
}

func (a *Association) negotiate() error {
	rq := &AssociateRQ{
		CalledAETitle:  a.config.CalledAET,
		CallingAETitle: a.config.CallingAET,
		Contexts:       a.config.Contexts,
		MaxPDULength:   a.config.MaxPDULength,
	}
	if err := a.conn.SetDeadline(time.Now().Add(a.config.ACSETimeout)); err != nil {
		return err
	}
	if err := WritePDU(a.conn, PDUAssociateRQ, rq.Encode()); err != nil {
		return fmt.Errorf("failed to send associate request: %w", err)
	}
	pdu, err := ReadPDU(a.conn)
	if err != nil {
		return fmt.Errorf("failed to receive associate response: %w", err)
	}

	switch pdu.Type {
	case PDUAssociateAC:
		ac, err := DecodeAssociateAC(pdu.Data, a.config.Contexts)
		if err != nil {
			return err
		}
		for _, pc := range ac.Contexts {
			if pc.Accepted() {
				a.accepted = append(a.accepted, pc)
			}
		}
		if len(a.accepted) == 0 {
			return ErrNoPresentationContext
		}
		a.peerMaxPDU = ac.MaxPDULength
	case PDUAssociateRJ:
		e := &RejectError{}
		if len(pdu.Data) >= 4 {
			e.Result, e.Source, e.Reason = pdu.Data[1], pdu.Data[2], pdu.Data[3]
		}
		return e
	case PDUAbort:
		return abortFromPDU(pdu.Data)
	default:
		return fmt.Errorf("%w: type 0x%02x during negotiation", ErrUnexpectedPDU, pdu.Type)
	}
	return a.conn.SetDeadline(time.Time{})
}

// CalledAET returns the peer AE title.
func (a *Association) CalledAET() string {
	return a.config.CalledAET
}

// AcceptedContexts returns the contexts the peer accepted.
func (a *Association) AcceptedContexts() []PresentationContext {
	return a.accepted
}

// Context returns the first accepted context for an abstract syntax.
func (a *Association) Context(abstractSyntax string) (*PresentationContext, error) {
	for i := range a.accepted {
		if a.accepted[i].AbstractSyntax == abstractSyntax {
			return &a.accepted[i], nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoPresentationContext, abstractSyntax)
}

// ContextFor returns an accepted context matching both syntaxes.
func (a *Association) ContextFor(abstractSyntax, transferSyntax string) (*PresentationContext, error) {
	for i := range a.accepted {
		if a.accepted[i].AbstractSyntax == abstractSyntax && a.accepted[i].TransferSyntax == transferSyntax {
			return &a.accepted[i], nil
		}
	}
	return nil, fmt.Errorf("%w for %s in %s", ErrNoPresentationContext, abstractSyntax, transferSyntax)
}

func (a *Association) contextByID(id byte) (*PresentationContext, bool) {
	for i := range a.accepted {
		if a.accepted[i].ID == id {
			return &a.accepted[i], true
		}
	}
	return nil, false
}

// Closed reports whether the association was released or aborted.
func (a *Association) Closed() bool {
	return a.closed.Load()
}

// Release performs an orderly A-RELEASE and closes the connection.
func (a *Association) Release() error {
	if a.closed.Load() {
		return ErrAssociationClosed
	}
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		err = a.release()
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (a *Association) release() error {
	a.wmu.Lock()
	defer a.wmu.Unlock()

	if err := a.conn.SetDeadline(time.Now().Add(a.config.ACSETimeout)); err != nil {
		return err
	}
	if err := WritePDU(a.conn, PDUReleaseRQ, make([]byte, 4)); err != nil {
		return fmt.Errorf("failed to send release request: %w", err)
	}
	for {
		pdu, err := ReadPDU(a.conn)
		if err != nil {
			return fmt.Errorf("failed to receive release response: %w", err)
		}
		switch pdu.Type {
		case PDUReleaseRP:
			return nil
		case PDUAbort:
			return abortFromPDU(pdu.Data)
		}
	}
}

// Abort sends A-ABORT and closes the connection. It is safe to call while
// another goroutine is blocked in an operation, which then fails.
func (a *Association) Abort() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		if a.wmu.TryLock() {
			_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = WritePDU(a.conn, PDUAbort, make([]byte, 4))
			a.wmu.Unlock()
		}
		err = a.conn.Close()
	})
	return err
}

func (a *Association) nextMessageID() uint16 {
	return uint16(a.messageID.Add(1))
}

func (a *Association) send(contextID byte, cmd *Command, data []byte) error {
	if a.closed.Load() {
		return ErrAssociationClosed
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()

	var deadline time.Time
	if a.config.DIMSETimeout > 0 {
		deadline = time.Now().Add(a.config.DIMSETimeout)
	}
	if err := a.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	maxPDU := a.peerMaxPDU
	return WriteMessage(a.conn, contextID, maxPDU, cmd, data)
}

func (a *Association) receive() (*Message, error) {
	if a.closed.Load() {
		return nil, ErrAssociationClosed
	}
	var deadline time.Time
	if a.config.DIMSETimeout > 0 {
		deadline = time.Now().Add(a.config.DIMSETimeout)
	}
	if err := a.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	msg, err := a.reader.Next()
	if err != nil {
		if a.closed.Load() {
			return nil, fmt.Errorf("%w: %v", ErrAssociationClosed, err)
		}
		return nil, err
	}
	return msg, nil
}

// watch aborts the association when ctx is cancelled during an operation.
func (a *Association) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { _ = a.Abort() })
}

// opError prefers the context error when cancellation caused the failure.
func opError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}
