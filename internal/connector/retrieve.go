package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// retrieveQuery builds the identifier of a C-GET or C-MOVE from the unique
// keys of q. Other attributes are not sent.
func retrieveQuery(q *Query, level Level) (*Query, error) {
	required := []Keyword{StudyInstanceUID}
	if level == LevelSeries {
		required = append(required, SeriesInstanceUID)
	}
	if err := requireKnown(q, required...); err != nil {
		return nil, err
	}
	out := NewQuery()
	// A wildcard PatientID cannot narrow a retrieve; the model check
	// decides whether the server can do without it.
	if v, ok := q.Get(PatientID); ok && v.Known() {
		out.Set(PatientID, v)
	}
	for _, k := range required {
		v, _ := q.Get(k)
		out.Set(k, v)
	}
	return out, nil
}

// getStoreHandler writes the instances pushed during a C-GET. The first
// failure is kept for the caller since the protocol stack only sees a
// status code.
type getStoreHandler struct {
	c         *Connector
	folder    string
	transform Transform

	stored int
	err    error
}

func (h *getStoreHandler) HandleStore(ctx context.Context, req *dimse.StoreRequest) uint16 {
	if h.err != nil {
		return dimse.StatusProcessingFailure
	}
	uid := req.SOPInstanceUID
	if uid == "" || strings.ContainsAny(uid, `/\`) || uid == "." || uid == ".." {
		h.err = invariant("server sent an instance with SOPInstanceUID %q", uid)
		return dimse.StatusProcessingFailure
	}

	data, err := dimse.EncodeFile(dimse.FileMeta{
		MediaStorageSOPClassUID:    req.SOPClassUID,
		MediaStorageSOPInstanceUID: uid,
		TransferSyntaxUID:          req.TransferSyntax,
		SourceAETitle:              req.SourceAET,
	}, req.Data)
	if err != nil {
		h.err = invariant("server sent instance %s with unusable file meta: %v", uid, err)
		return dimse.StatusProcessingFailure
	}
	if h.transform != nil {
		if data, err = applyTransform(data, h.transform); err != nil {
			h.err = retriableWrap(fmt.Sprintf("Failed to transform instance %s.", uid), err)
			return dimse.StatusProcessingFailure
		}
	}

	path := filepath.Join(h.folder, uid)
	if err := h.c.writeFile(path, data); err != nil {
		if isNoSpace(err) {
			h.err = outOfSpace(err)
			h.c.abortIfOpen()
			return dimse.StatusOutOfResources
		}
		h.err = retriableWrap(fmt.Sprintf("Failed to write instance %s.", uid), err)
		return dimse.StatusProcessingFailure
	}
	h.stored++
	return dimse.StatusSuccess
}

func (c *Connector) getSeries(ctx context.Context, q *Query, folder string, transform Transform) error {
	model, err := c.server.getModel(q)
	if err != nil {
		return err
	}
	identifier, err := q.dataset(LevelSeries)
	if err != nil {
		return err
	}

	handler := &getStoreHandler{c: c, folder: folder, transform: transform}
	var results []Result
	err = c.withAssociation(ctx, contextsFor(KindGet), func(a *dimse.Association) error {
		err := a.CGet(ctx, model, identifier, handler, func(resp *dimse.Response) bool {
			results = append(results, resultFrom(resp))
			return true
		})
		if handler.err != nil {
			return handler.err
		}
		return operationError(ctx, "C-GET", err)
	})
	if err != nil {
		return err
	}
	log.Debug().
		Str("ae_title", c.server.AETitle).
		Int("stored", handler.stored).
		Msg("C-GET completed")
	return evaluateTransfer(results)
}

// DownloadSeries writes every instance of one series into folder. C-GET is
// used when the server supports it, otherwise C-MOVE through the receiver.
func (c *Connector) DownloadSeries(ctx context.Context, q *Query, folder string, transform Transform) error {
	rq, err := retrieveQuery(q, LevelSeries)
	if err != nil {
		return err
	}
	if !c.server.SupportsGet() && !c.server.SupportsMove() {
		return configError("%s supports neither C-GET nor C-MOVE.", c.server.AETitle)
	}
	if err := ensureFolder(folder); err != nil {
		return err
	}

	start := time.Now()
	series, _ := rq.Get(SeriesInstanceUID)
	logger := log.With().
		Str("ae_title", c.server.AETitle).
		Str("series_instance_uid", series.String()).
		Str("folder", folder).
		Logger()

	if c.server.SupportsGet() {
		logger.Info().Msg("Downloading series with C-GET")
		err = c.getSeries(ctx, rq, folder, transform)
	} else {
		logger.Info().Msg("Downloading series with C-MOVE")
		err = c.moveDownload(ctx, rq, folder, transform)
	}
	if err != nil {
		logger.Error().Err(err).Str("kind", Kind(err)).Msg("Series download failed")
		return err
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("Series downloaded")
	return nil
}

// DownloadStudy downloads every series of a study into a subfolder of
// folder named by the connector's FolderNamer. Excluded modalities and, if
// given, modalities outside the wanted list are skipped.
func (c *Connector) DownloadStudy(ctx context.Context, q *Query, folder string, modalities []string, transform Transform) error {
	rq, err := retrieveQuery(q, LevelStudy)
	if err != nil {
		return err
	}
	kind := KindGet
	switch {
	case c.server.SupportsGet():
	case c.server.SupportsMove():
		kind = KindMove
	default:
		return configError("%s supports neither C-GET nor C-MOVE.", c.server.AETitle)
	}

	return c.withAssociation(ctx, contextsFor(kind), func(*dimse.Association) error {
		series, err := c.studySeries(ctx, rq, modalities)
		if err != nil {
			return err
		}
		for _, s := range series {
			sq := rq.Clone().Set(SeriesInstanceUID, Concrete(s.String(SeriesInstanceUID)))
			if err := c.DownloadSeries(ctx, sq, filepath.Join(folder, c.folderName(s)), transform); err != nil {
				return err
			}
		}
		return nil
	})
}

// studySeries lists the series of a study a study level transfer covers.
func (c *Connector) studySeries(ctx context.Context, rq *Query, modalities []string) ([]Attributes, error) {
	q := rq.Clone().
		Set(SeriesInstanceUID, Blank()).
		Set(Modality, Blank()).
		Set(SeriesDescription, Blank()).
		Set(SeriesNumber, Blank())
	series, err := c.FindSeries(ctx, q, 0)
	if err != nil {
		return nil, err
	}
	return keep(series, func(s Attributes) bool {
		m := s.String(Modality)
		if c.excluded(m) {
			log.Debug().Str("modality", m).Str("series_instance_uid", s.String(SeriesInstanceUID)).Msg("Skipping excluded modality")
			return false
		}
		return len(modalities) == 0 || slices.Contains(modalities, m)
	}), nil
}

func (c *Connector) excluded(modality string) bool {
	return slices.ContainsFunc(c.config.ExcludedModalities, func(m string) bool {
		return strings.EqualFold(m, modality)
	})
}
