package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Element is a decoded identifier attribute. Values holds the backslash
// separated components; an element present with zero length has no values.
type Element struct {
	Tag    Tag
	VR     string
	Values []string
}

// Dataset is a flat identifier data set as exchanged in C-FIND, C-GET and
// C-MOVE requests and responses.
type Dataset struct {
	elements map[Tag]*Element
}

// NewDataset creates an empty data set.
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]*Element)}
}

// Set stores an element, replacing any previous value.
func (d *Dataset) Set(t Tag, vr string, values ...string) {
	d.elements[t] = &Element{Tag: t, VR: vr, Values: values}
}

// SetKeyword stores an element by dictionary keyword.
func (d *Dataset) SetKeyword(keyword string, values ...string) error {
	e, ok := LookupKeyword(keyword)
	if !ok {
		return fmt.Errorf("unknown attribute keyword %q", keyword)
	}
	d.Set(e.Tag, e.VR, values...)
	return nil
}

// Get returns the element for a tag.
func (d *Dataset) Get(t Tag) (*Element, bool) {
	e, ok := d.elements[t]
	return e, ok
}

// String returns the first value of the element, or "".
func (d *Dataset) String(t Tag) string {
	if e, ok := d.elements[t]; ok && len(e.Values) > 0 {
		return e.Values[0]
	}
	return ""
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	return len(d.elements)
}

// Elements returns the elements in ascending tag order.
func (d *Dataset) Elements() []*Element {
	out := make([]*Element, 0, len(d.elements))
	for _, e := range d.elements {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Element) int { return a.Tag.Compare(b.Tag) })
	return out
}

// Encode serializes the data set, without file meta, in the given little
// endian transfer syntax.
func (d *Dataset) Encode(transferSyntax string) ([]byte, error) {
	bo, implicit, err := identifierSyntax(transferSyntax)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := dicom.NewWriter(&buf, dicom.SkipVRVerification())
	if err != nil {
		return nil, err
	}
	w.SetTransferSyntax(bo, implicit)
	for _, e := range d.Elements() {
		elem, err := e.dicom()
		if err != nil {
			return nil, err
		}
		if err := w.WriteElement(elem); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", e.Tag, err)
		}
	}
	return buf.Bytes(), nil
}

// ParseDataset decodes an identifier. Sequences and binary attributes are
// skipped.
func ParseDataset(data []byte, transferSyntax string) (*Dataset, error) {
	if _, _, err := identifierSyntax(transferSyntax); err != nil {
		return nil, err
	}
	if transferSyntax == "" {
		transferSyntax = ExplicitVRLittleEndian
	}
	// The parser only takes the transfer syntax from file meta, so the
	// identifier is framed as a Part 10 stream.
	file, err := EncodeFile(FileMeta{TransferSyntaxUID: transferSyntax}, data)
	if err != nil {
		return nil, err
	}
	parsed, err := dicom.Parse(bytes.NewReader(file), int64(len(file)), nil,
		dicom.SkipPixelData(),
		dicom.AllowUnknownSpecificCharacterSet(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier: %w", err)
	}

	ds := NewDataset()
	for _, elem := range parsed.Elements {
		if elem.Tag.Group == tag.MetadataGroup {
			continue
		}
		if values, ok := elementValues(elem); ok {
			ds.elements[elem.Tag] = &Element{Tag: elem.Tag, VR: elem.RawValueRepresentation, Values: values}
		}
	}
	return ds, nil
}

func identifierSyntax(transferSyntax string) (binary.ByteOrder, bool, error) {
	switch transferSyntax {
	case ImplicitVRLittleEndian:
		return binary.LittleEndian, true, nil
	case ExplicitVRLittleEndian, "":
		return binary.LittleEndian, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported identifier transfer syntax %s", transferSyntax)
	}
}

// dicom converts the element into the library's typed representation.
func (e *Element) dicom() (*dicom.Element, error) {
	var data any
	switch e.VR {
	case "US", "UL", "SS", "SL", "AT":
		ints := make([]int, 0, len(e.Values))
		for _, v := range e.Values {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q for %s", e.VR, v, e.Tag)
			}
			ints = append(ints, n)
		}
		data = ints
	case "FL", "FD":
		floats := make([]float64, 0, len(e.Values))
		for _, v := range e.Values {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q for %s", e.VR, v, e.Tag)
			}
			floats = append(floats, f)
		}
		data = floats
	case "OB", "OW", "UN":
		data = []byte(strings.Join(e.Values, `\`))
	case "SQ":
		return nil, fmt.Errorf("sequence %s is not supported in identifiers", e.Tag)
	default:
		data = append([]string{}, e.Values...)
	}
	value, err := dicom.NewValue(data)
	if err != nil {
		return nil, err
	}
	return &dicom.Element{
		Tag:                    e.Tag,
		ValueRepresentation:    tag.GetVRKind(e.Tag, e.VR),
		RawValueRepresentation: e.VR,
		Value:                  value,
	}, nil
}

// elementValues renders a parsed value as strings. Zero length values give
// no strings.
func elementValues(elem *dicom.Element) ([]string, bool) {
	if elem.Value == nil {
		return nil, false
	}
	var out []string
	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			switch elem.RawValueRepresentation {
			case "LT", "ST", "UT":
				out = append(out, strings.TrimRight(s, "\x00 "))
			default:
				out = append(out, strings.TrimSpace(strings.TrimRight(s, "\x00")))
			}
		}
	case []int:
		for _, n := range v {
			out = append(out, strconv.Itoa(n))
		}
	case []float64:
		for _, f := range v {
			out = append(out, strconv.FormatFloat(f, 'g', -1, 64))
		}
	default:
		return nil, false
	}
	if len(out) == 1 && out[0] == "" {
		out = nil
	}
	return out, true
}
