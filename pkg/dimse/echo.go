package dimse

import (
	"context"
	"fmt"
)

// CEcho performs a C-ECHO operation and returns the response status.
func (a *Association) CEcho(ctx context.Context) (uint16, error) {
	pc, err := a.Context(VerificationSOPClass)
	if err != nil {
		return 0, err
	}

	stop := a.watch(ctx)
	defer stop()

	cmd := &Command{
		AffectedSOPClassUID: VerificationSOPClass,
		CommandField:        CEchoRQ,
		MessageID:           a.nextMessageID(),
	}
	if err := a.send(pc.ID, cmd, nil); err != nil {
		return 0, opError(ctx, "failed to send C-ECHO request", err)
	}
	msg, err := a.receive()
	if err != nil {
		return 0, opError(ctx, "failed to receive C-ECHO response", err)
	}
	if msg.Command.CommandField != CEchoRSP {
		return 0, fmt.Errorf("%w: command 0x%04X during C-ECHO", ErrUnexpectedPDU, msg.Command.CommandField)
	}
	return msg.Command.Status, nil
}
