package dimse

import (
	"context"
	"fmt"
)

// Response is one C-FIND, C-GET or C-MOVE response.
type Response struct {
	Status       uint16
	ErrorComment string
	// Identifier is nil when the response carries no data set.
	Identifier *Dataset

	Remaining *uint16
	Completed *uint16
	Failed    *uint16
	Warning   *uint16
}

// ResponseFunc receives each response in order. Returning false stops
// reading before the terminal response; the caller must then abort the
// association because the peer may still be sending.
type ResponseFunc func(*Response) bool

// CFind sends a C-FIND request and streams its responses to fn.
func (a *Association) CFind(ctx context.Context, sopClass string, identifier *Dataset, fn ResponseFunc) error {
	pc, err := a.Context(sopClass)
	if err != nil {
		return err
	}
	data, err := identifier.Encode(pc.TransferSyntax)
	if err != nil {
		return err
	}

	stop := a.watch(ctx)
	defer stop()

	cmd := &Command{
		AffectedSOPClassUID: sopClass,
		CommandField:        CFindRQ,
		MessageID:           a.nextMessageID(),
		Priority:            PriorityMedium,
	}
	if err := a.send(pc.ID, cmd, data); err != nil {
		return opError(ctx, "failed to send C-FIND request", err)
	}
	return a.collect(ctx, "C-FIND", CFindRSP, nil, fn)
}

// collect reads responses of one operation until the terminal status.
// Incoming C-STORE sub-operations are answered through store.
func (a *Association) collect(ctx context.Context, op string, field uint16, store StoreHandler, fn ResponseFunc) error {
	for {
		msg, err := a.receive()
		if err != nil {
			return opError(ctx, "failed to receive "+op+" response", err)
		}

		switch msg.Command.CommandField {
		case field:
			resp, err := a.responseFrom(msg)
			if err != nil {
				return err
			}
			more := fn(resp)
			if !IsPending(resp.Status) || !more {
				return nil
			}
		case CStoreRQ:
			if store == nil {
				return fmt.Errorf("%w: C-STORE request during %s", ErrUnexpectedPDU, op)
			}
			if err := a.answerStore(ctx, msg, store); err != nil {
				return opError(ctx, "failed to answer C-STORE sub-operation", err)
			}
		default:
			return fmt.Errorf("%w: command 0x%04X during %s", ErrUnexpectedPDU, msg.Command.CommandField, op)
		}
	}
}

func (a *Association) responseFrom(msg *Message) (*Response, error) {
	c := msg.Command
	resp := &Response{
		Status:       c.Status,
		ErrorComment: c.ErrorComment,
		Remaining:    c.NumberOfRemainingSuboperations,
		Completed:    c.NumberOfCompletedSuboperations,
		Failed:       c.NumberOfFailedSuboperations,
		Warning:      c.NumberOfWarningSuboperations,
	}
	if len(msg.Data) == 0 {
		return resp, nil
	}
	ts := ImplicitVRLittleEndian
	if pc, ok := a.contextByID(msg.ContextID); ok {
		ts = pc.TransferSyntax
	}
	ds, err := ParseDataset(msg.Data, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response identifier: %w", err)
	}
	resp.Identifier = ds
	return resp, nil
}
