package dimse

import (
	"context"
)

// StoreRequest is an incoming C-STORE sub-operation.
type StoreRequest struct {
	ContextID      byte
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	// SourceAET is the AE title of the peer sending the instance.
	SourceAET string
	Data      []byte
}

// StoreHandler persists instances received during C-GET and returns the
// C-STORE response status.
type StoreHandler interface {
	HandleStore(ctx context.Context, req *StoreRequest) uint16
}

// StoreHandlerFunc adapts a function to StoreHandler.
type StoreHandlerFunc func(ctx context.Context, req *StoreRequest) uint16

// HandleStore calls f.
func (f StoreHandlerFunc) HandleStore(ctx context.Context, req *StoreRequest) uint16 {
	return f(ctx, req)
}

// CGet retrieves the matching instances over this association. Each
// instance is passed to store; progress responses go to fn.
func (a *Association) CGet(ctx context.Context, sopClass string, identifier *Dataset, store StoreHandler, fn ResponseFunc) error {
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
		CommandField:        CGetRQ,
		MessageID:           a.nextMessageID(),
		Priority:            PriorityMedium,
	}
	if err := a.send(pc.ID, cmd, data); err != nil {
		return opError(ctx, "failed to send C-GET request", err)
	}
	return a.collect(ctx, "C-GET", CGetRSP, store, fn)
}

func (a *Association) answerStore(ctx context.Context, msg *Message, store StoreHandler) error {
	req := &StoreRequest{
		ContextID:      msg.ContextID,
		SOPClassUID:    msg.Command.AffectedSOPClassUID,
		SOPInstanceUID: msg.Command.AffectedSOPInstanceUID,
		SourceAET:      a.config.CalledAET,
		Data:           msg.Data,
	}
	status := StatusCannotUnderstand
	if pc, ok := a.contextByID(msg.ContextID); ok {
		req.TransferSyntax = pc.TransferSyntax
		status = store.HandleStore(ctx, req)
	}

	rsp := &Command{
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		CommandField:              CStoreRSP,
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		Status:                    status,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
	}
	return a.send(msg.ContextID, rsp, nil)
}
