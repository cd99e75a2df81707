package dimse

import (
	"context"
	"fmt"
)

// CStore sends one instance over the context named in req and returns the
// peer's response.
func (a *Association) CStore(ctx context.Context, req *StoreRequest) (*Response, error) {
	if _, ok := a.contextByID(req.ContextID); !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNoPresentationContext, req.ContextID)
	}

	stop := a.watch(ctx)
	defer stop()

	cmd := &Command{
		AffectedSOPClassUID:    req.SOPClassUID,
		CommandField:           CStoreRQ,
		MessageID:              a.nextMessageID(),
		Priority:               PriorityMedium,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
	}
	if err := a.send(req.ContextID, cmd, req.Data); err != nil {
		return nil, opError(ctx, "failed to send C-STORE request", err)
	}
	msg, err := a.receive()
	if err != nil {
		return nil, opError(ctx, "failed to receive C-STORE response", err)
	}
	if msg.Command.CommandField != CStoreRSP {
		return nil, fmt.Errorf("%w: command 0x%04X during C-STORE", ErrUnexpectedPDU, msg.Command.CommandField)
	}
	return &Response{Status: msg.Command.Status, ErrorComment: msg.Command.ErrorComment}, nil
}
