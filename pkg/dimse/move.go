package dimse

import "context"

// CMove asks the peer to push the matching instances to destination and
// streams the progress responses to fn.
func (a *Association) CMove(ctx context.Context, sopClass, destination string, identifier *Dataset, fn ResponseFunc) error {
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
		CommandField:        CMoveRQ,
		MessageID:           a.nextMessageID(),
		Priority:            PriorityMedium,
		MoveDestination:     destination,
	}
	if err := a.send(pc.ID, cmd, data); err != nil {
		return opError(ctx, "failed to send C-MOVE request", err)
	}
	return a.collect(ctx, "C-MOVE", CMoveRSP, nil, fn)
}
