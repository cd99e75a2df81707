package connector

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

type uploadFile struct {
	path           string
	sopClass       string
	sopInstance    string
	transferSyntax string
}

// UploadFolder sends every DICOM file under folder with C-STORE over one
// association. Files that are not Part 10 are skipped.
func (c *Connector) UploadFolder(ctx context.Context, folder string, transform Transform) error {
	if !c.server.StoreSupport {
		return configError("%s does not support C-STORE.", c.server.AETitle)
	}

	files, contexts, err := scanFolder(folder)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Info().Str("folder", folder).Msg("No DICOM files to upload")
		return nil
	}
	if len(contexts) > 128 {
		return configError("Folder %s needs %d presentation contexts, at most 128 can be negotiated.", folder, len(contexts))
	}

	start := time.Now()
	var t tally
	err = c.withAssociation(ctx, contexts, func(a *dimse.Association) error {
		for _, f := range files {
			ok, err := c.storeFile(ctx, a, f, transform)
			if err != nil {
				return err
			}
			t.record(ok)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("ae_title", c.server.AETitle).
		Str("folder", folder).
		Int("files", t.total).
		Int("failed", t.failed).
		Dur("duration", time.Since(start)).
		Msg("Upload finished")
	return t.err("Failed to upload all images.", "Failed to upload some images.")
}

// storeFile sends one file. It reports whether the server stored it; an
// error means the association is no longer usable.
func (c *Connector) storeFile(ctx context.Context, a *dimse.Association, f uploadFile, transform Transform) (bool, error) {
	logger := log.With().Str("path", f.path).Str("sop_instance_uid", f.sopInstance).Logger()

	data, err := os.ReadFile(f.path)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read file")
		return false, nil
	}
	if transform != nil {
		if data, err = applyTransform(data, transform); err != nil {
			logger.Warn().Err(err).Msg("Failed to transform file")
			return false, nil
		}
	}
	meta, dataset, err := dimse.SplitFile(data)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read file meta")
		return false, nil
	}
	pc, err := a.ContextFor(meta.MediaStorageSOPClassUID, meta.TransferSyntaxUID)
	if err != nil {
		logger.Warn().Err(err).Msg("No accepted presentation context for file")
		return false, nil
	}

	resp, err := a.CStore(ctx, &dimse.StoreRequest{
		ContextID:      pc.ID,
		SOPClassUID:    meta.MediaStorageSOPClassUID,
		SOPInstanceUID: meta.MediaStorageSOPInstanceUID,
		TransferSyntax: meta.TransferSyntaxUID,
		Data:           dataset,
	})
	if err != nil {
		return false, operationError(ctx, "C-STORE", err)
	}
	if dimse.Classify(resp.Status) != dimse.CategorySuccess {
		logger.Warn().
			Str("status", fmt.Sprintf("0x%04X", resp.Status)).
			Str("error_comment", resp.ErrorComment).
			Msg("C-STORE was not successful")
		return false, nil
	}
	return true, nil
}

// scanFolder lists the Part 10 files under folder in lexical order and the
// presentation contexts needed to send them.
func scanFolder(folder string) ([]uploadFile, []dimse.PresentationContext, error) {
	var (
		files    []uploadFile
		contexts []dimse.PresentationContext
		seen     = make(map[[2]string]struct{})
	)
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		meta, err := readFileMeta(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping file that is not DICOM")
			return nil
		}
		files = append(files, uploadFile{
			path:           path,
			sopClass:       meta.MediaStorageSOPClassUID,
			sopInstance:    meta.MediaStorageSOPInstanceUID,
			transferSyntax: meta.TransferSyntaxUID,
		})
		key := [2]string{meta.MediaStorageSOPClassUID, meta.TransferSyntaxUID}
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			contexts = append(contexts, dimse.PresentationContext{
				AbstractSyntax:   meta.MediaStorageSOPClassUID,
				TransferSyntaxes: []string{meta.TransferSyntaxUID},
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", folder, err)
	}
	return files, contexts, nil
}

// readFileMeta parses the whole file so that an instance with a valid
// header and a corrupt body is skipped rather than sent.
func readFileMeta(path string) (dimse.FileMeta, error) {
	meta, err := dimse.ParseFileMeta(path)
	if err != nil {
		return dimse.FileMeta{}, err
	}
	if meta.MediaStorageSOPClassUID == "" {
		return dimse.FileMeta{}, fmt.Errorf("file meta has no SOP class")
	}
	return meta, nil
}
