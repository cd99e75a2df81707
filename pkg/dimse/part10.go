package dimse

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	preambleLength = 128
	magic          = "DICM"
	// (0002,0000) is always explicit UL: tag, VR, length and a 4 byte value.
	groupLengthSize = 12
)

// FileMeta holds the group 0002 attributes of a Part 10 file.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	ImplementationClassUID     string
	ImplementationVersionName  string
	SourceAETitle              string
}

// EncodeFile wraps a data set encoded in meta.TransferSyntaxUID into a
// Part 10 file: preamble, DICM prefix and explicit VR file meta group.
func EncodeFile(meta FileMeta, dataset []byte) ([]byte, error) {
	header, err := fileHeader(meta)
	if err != nil {
		return nil, err
	}
	return append(header, dataset...), nil
}

func fileHeader(meta FileMeta) ([]byte, error) {
	if meta.ImplementationClassUID == "" {
		meta.ImplementationClassUID = ImplementationClassUID
	}
	if meta.ImplementationVersionName == "" {
		meta.ImplementationVersionName = ImplementationVersionName
	}

	elements := []*dicom.Element{}
	add := func(t tag.Tag, data any) error {
		e, err := dicom.NewElement(t, data)
		if err != nil {
			return fmt.Errorf("invalid file meta %s: %w", t, err)
		}
		elements = append(elements, e)
		return nil
	}
	if err := add(tag.FileMetaInformationVersion, []byte{0x00, 0x01}); err != nil {
		return nil, err
	}
	for _, v := range []struct {
		tag   tag.Tag
		value string
	}{
		{tag.MediaStorageSOPClassUID, meta.MediaStorageSOPClassUID},
		{tag.MediaStorageSOPInstanceUID, meta.MediaStorageSOPInstanceUID},
		{tag.TransferSyntaxUID, meta.TransferSyntaxUID},
		{tag.ImplementationClassUID, meta.ImplementationClassUID},
		{tag.ImplementationVersionName, meta.ImplementationVersionName},
		{tag.SourceApplicationEntityTitle, meta.SourceAETitle},
	} {
		if v.value == "" {
			continue
		}
		if err := add(v.tag, []string{v.value}); err != nil {
			return nil, err
		}
	}

	// The group is written directly so a transfer syntax the library does
	// not know can still be framed.
	var group bytes.Buffer
	w, err := dicom.NewWriter(&group)
	if err != nil {
		return nil, err
	}
	w.SetTransferSyntax(binary.LittleEndian, false)
	for _, e := range elements {
		if err := w.WriteElement(e); err != nil {
			return nil, fmt.Errorf("invalid file meta %s: %w", e.Tag, err)
		}
	}

	var out bytes.Buffer
	out.Grow(preambleLength + len(magic) + groupLengthSize + group.Len())
	out.Write(make([]byte, preambleLength))
	out.WriteString(magic)
	lw, err := dicom.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	lw.SetTransferSyntax(binary.LittleEndian, false)
	length, err := dicom.NewElement(tag.FileMetaInformationGroupLength, []int{group.Len()})
	if err != nil {
		return nil, err
	}
	if err := lw.WriteElement(length); err != nil {
		return nil, err
	}
	out.Write(group.Bytes())
	return out.Bytes(), nil
}

// SplitFile separates the file meta group from the data set of a Part 10
// file.
func SplitFile(data []byte) (FileMeta, []byte, error) {
	if !hasMagic(data) {
		return FileMeta{}, nil, ErrNotPart10
	}
	p, err := dicom.NewParser(bytes.NewReader(data), int64(len(data)), nil,
		dicom.AllowUnknownSpecificCharacterSet(),
	)
	if err != nil {
		return FileMeta{}, nil, fmt.Errorf("invalid file meta: %w", err)
	}
	meta, groupLength, err := metaFrom(p.GetMetadata())
	if err != nil {
		return FileMeta{}, nil, err
	}
	offset := preambleLength + len(magic) + groupLengthSize + groupLength
	if offset > len(data) {
		return FileMeta{}, nil, fmt.Errorf("invalid file meta: group length %d exceeds file", groupLength)
	}
	return meta, data[offset:], nil
}

// ParseFileMeta reads the file meta of a Part 10 file and checks that the
// whole data set parses. Pixel data values are skipped.
func ParseFileMeta(path string) (FileMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileMeta{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return FileMeta{}, err
	}

	head := make([]byte, preambleLength+len(magic))
	if _, err := io.ReadFull(f, head); err != nil || !hasMagic(head) {
		return FileMeta{}, ErrNotPart10
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return FileMeta{}, err
	}

	ds, err := dicom.Parse(bufio.NewReader(f), info.Size(), nil,
		dicom.SkipPixelData(),
		dicom.AllowUnknownSpecificCharacterSet(),
	)
	if err != nil {
		return FileMeta{}, fmt.Errorf("invalid data set: %w", err)
	}
	meta, _, err := metaFrom(ds)
	return meta, err
}

func hasMagic(data []byte) bool {
	return len(data) >= preambleLength+len(magic) &&
		string(data[preambleLength:preambleLength+len(magic)]) == magic
}

func metaFrom(ds dicom.Dataset) (FileMeta, int, error) {
	var meta FileMeta
	groupLength := -1
	for _, e := range ds.Elements {
		if e.Tag.Group != tag.MetadataGroup {
			continue
		}
		if e.Tag == tag.FileMetaInformationGroupLength {
			if ints, ok := e.Value.GetValue().([]int); ok && len(ints) == 1 {
				groupLength = ints[0]
			}
			continue
		}
		values, ok := elementValues(e)
		if !ok || len(values) == 0 {
			continue
		}
		switch e.Tag {
		case tag.MediaStorageSOPClassUID:
			meta.MediaStorageSOPClassUID = values[0]
		case tag.MediaStorageSOPInstanceUID:
			meta.MediaStorageSOPInstanceUID = values[0]
		case tag.TransferSyntaxUID:
			meta.TransferSyntaxUID = values[0]
		case tag.ImplementationClassUID:
			meta.ImplementationClassUID = values[0]
		case tag.ImplementationVersionName:
			meta.ImplementationVersionName = values[0]
		case tag.SourceApplicationEntityTitle:
			meta.SourceAETitle = values[0]
		}
	}
	if groupLength < 0 {
		return meta, 0, fmt.Errorf("invalid file meta: missing group length")
	}
	if meta.TransferSyntaxUID == "" {
		return meta, 0, fmt.Errorf("invalid file meta: missing transfer syntax")
	}
	return meta, groupLength, nil
}
