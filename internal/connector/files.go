package connector

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"syscall"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Transform edits an instance before it is written or sent.
type Transform func(ds *dicom.Dataset) error

// FolderNamer returns the folder, relative to the study folder, that one
// series of a study download is written to.
type FolderNamer func(series Attributes) string

var unsafeFolderChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// SeriesFolderName names folders after the series description, falling
// back to the series UID.
func SeriesFolderName(series Attributes) string {
	name := strings.TrimSpace(unsafeFolderChars.ReplaceAllString(series.String(SeriesDescription), "_"))
	name = strings.Trim(name, ".")
	if name == "" {
		return series.String(SeriesInstanceUID)
	}
	return name
}

// applyTransform parses a Part 10 file, runs t on it and writes it back.
func applyTransform(data []byte, t Transform) ([]byte, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instance: %w", err)
	}
	if err := t(&ds); err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds, dicom.SkipVRVerification()); err != nil {
		return nil, fmt.Errorf("failed to write instance: %w", err)
	}
	return buf.Bytes(), nil
}

// datasetString returns the first string value of an element or "".
func datasetString(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimRight(values[0], "\x00 ")
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

func ensureFolder(folder string) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", folder, err)
	}
	return nil
}

func outOfSpace(err error) error {
	return &RetriableError{Msg: "Out of disk space on destination.", ExtendedBackoff: true, Err: err}
}
