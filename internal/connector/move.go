package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/dicom-transfer-connector/internal/receiver"
	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

func sendCMove(ctx context.Context, a *dimse.Association, model, destination string, identifier *dimse.Dataset) ([]Result, error) {
	var results []Result
	err := a.CMove(ctx, model, destination, identifier, func(resp *dimse.Response) bool {
		results = append(results, resultFrom(resp))
		return true
	})
	return results, err
}

// moveDownload moves one series to the receiver and collects the files it
// republishes. The subscription is opened before the move is requested.
func (c *Connector) moveDownload(ctx context.Context, q *Query, folder string, transform Transform) error {
	if c.bridge == nil {
		return configError("C-MOVE downloads from %s need a receiver, but none is configured.", c.server.AETitle)
	}
	model, err := c.server.moveModel(q)
	if err != nil {
		return err
	}
	identifier, err := q.dataset(LevelSeries)
	if err != nil {
		return err
	}
	study, _ := q.Get(StudyInstanceUID)
	series, _ := q.Get(SeriesInstanceUID)

	return c.withAssociation(ctx, contextsFor(KindMove), func(a *dimse.Association) error {
		images, err := c.FindImages(ctx, q.Clone().Set(SOPInstanceUID, Blank()), 0)
		if err != nil {
			return err
		}
		expected := make([]string, 0, len(images))
		for _, img := range images {
			if uid := img.String(SOPInstanceUID); uid != "" {
				expected = append(expected, uid)
			}
		}

		session, err := c.bridge.Open(ctx, receiver.SessionConfig{
			Topic:       receiver.Topic(c.server.AETitle, study.String(), series.String()),
			Folder:      folder,
			Expected:    expected,
			IdleTimeout: c.config.MoveIdleTimeout,
			WriteFile:   c.writeFile,
			OnIdle:      c.abortIfOpen,
			OnFile: func(ctx context.Context, path string, f *receiver.File) error {
				return c.receiveMoved(path, study.String(), series.String(), transform)
			},
		})
		if err != nil {
			return retriableWrap("Failed to subscribe to the receiver.", err)
		}

		var (
			results    []Result
			moveErr    error
			consumeErr error
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			results, moveErr = sendCMove(gctx, a, model, c.config.ReceiverAETitle, identifier)
			return moveErr
		})
		g.Go(func() error {
			consumeErr = session.Consume(gctx)
			return consumeErr
		})
		_ = g.Wait()

		// A consumer cancelled only because the move failed is not the cause.
		if consumeErr != nil && !(errors.Is(consumeErr, context.Canceled) && ctx.Err() == nil) {
			return c.consumerError(consumeErr)
		}
		if moveErr != nil {
			return operationError(ctx, "C-MOVE", moveErr)
		}
		return evaluateTransfer(results)
	})
}

// receiveMoved checks a file published by the receiver against the
// requested series and applies the transform in place.
func (c *Connector) receiveMoved(path, study, series string, transform Transform) error {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return fmt.Errorf("failed to parse received file %s: %w", path, err)
	}
	if got := datasetString(&ds, tag.StudyInstanceUID); got != study {
		return invariant("received file %s belongs to study %q, expected %q", path, got, study)
	}
	if got := datasetString(&ds, tag.SeriesInstanceUID); got != series {
		return invariant("received file %s belongs to series %q, expected %q", path, got, series)
	}
	if transform == nil {
		return nil
	}
	if err := transform(&ds); err != nil {
		return fmt.Errorf("transform failed for %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds, dicom.SkipVRVerification()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return c.writeFile(path, buf.Bytes())
}

func (c *Connector) consumerError(err error) error {
	var (
		incomplete *receiver.IncompleteError
		inv        *InvariantError
	)
	switch {
	case isNoSpace(err):
		c.abortIfOpen()
		return outOfSpace(err)
	case errors.As(err, &incomplete):
		return retriable(incomplete.Error())
	case errors.As(err, &inv), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return retriableWrap("Failed to receive images through the receiver.", err)
	}
}

// MoveSeries asks the server to send one series to destination.
func (c *Connector) MoveSeries(ctx context.Context, q *Query, destination string) error {
	rq, err := retrieveQuery(q, LevelSeries)
	if err != nil {
		return err
	}
	model, err := c.server.moveModel(rq)
	if err != nil {
		return err
	}
	identifier, err := rq.dataset(LevelSeries)
	if err != nil {
		return err
	}

	var results []Result
	err = c.withAssociation(ctx, contextsFor(KindMove), func(a *dimse.Association) error {
		var err error
		results, err = sendCMove(ctx, a, model, destination, identifier)
		return operationError(ctx, "C-MOVE", err)
	})
	if err != nil {
		return err
	}
	return evaluateTransfer(results)
}

// MoveStudy moves every selected series of a study to destination. Series
// that fail with a retriable error are counted and the rest still moved.
func (c *Connector) MoveStudy(ctx context.Context, q *Query, destination string, modalities []string) error {
	rq, err := retrieveQuery(q, LevelStudy)
	if err != nil {
		return err
	}
	if _, err := c.server.moveModel(rq); err != nil {
		return err
	}

	return c.withAssociation(ctx, contextsFor(KindMove), func(*dimse.Association) error {
		series, err := c.studySeries(ctx, rq, modalities)
		if err != nil {
			return err
		}
		var t tally
		for _, s := range series {
			uid := s.String(SeriesInstanceUID)
			err := c.MoveSeries(ctx, rq.Clone().Set(SeriesInstanceUID, Concrete(uid)), destination)
			var retry *RetriableError
			if errors.As(err, &retry) {
				log.Warn().Err(err).Str("series_instance_uid", uid).Str("destination", destination).Msg("Series move failed")
				t.record(false)
				continue
			}
			if err != nil {
				return err
			}
			t.record(true)
		}
		return t.err("Failed to move all series.", "Failed to move some series.")
	})
}

// Echo verifies the server with C-ECHO.
func (c *Connector) Echo(ctx context.Context) error {
	var status uint16
	err := c.withAssociation(ctx, contextsFor(KindEcho), func(a *dimse.Association) error {
		var err error
		status, err = a.CEcho(ctx)
		return operationError(ctx, "C-ECHO", err)
	})
	if err != nil {
		return err
	}
	if status != dimse.StatusSuccess {
		return retriable(fmt.Sprintf("C-ECHO failed with status 0x%04X.", status))
	}
	return nil
}
