package connector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// Level is the query/retrieve level of a request.
type Level string

const (
	LevelPatient Level = "PATIENT"
	LevelStudy   Level = "STUDY"
	LevelSeries  Level = "SERIES"
	LevelImage   Level = "IMAGE"
)

// Keyword names an attribute that may appear in queries and results. Only
// keywords known to the identifier dictionary are accepted.
type Keyword string

const (
	QueryRetrieveLevel             Keyword = "QueryRetrieveLevel"
	PatientID                      Keyword = "PatientID"
	PatientName                    Keyword = "PatientName"
	PatientBirthDate               Keyword = "PatientBirthDate"
	PatientSex                     Keyword = "PatientSex"
	NumberOfPatientRelatedStudies  Keyword = "NumberOfPatientRelatedStudies"
	StudyInstanceUID               Keyword = "StudyInstanceUID"
	StudyDate                      Keyword = "StudyDate"
	StudyTime                      Keyword = "StudyTime"
	StudyID                        Keyword = "StudyID"
	StudyDescription               Keyword = "StudyDescription"
	AccessionNumber                Keyword = "AccessionNumber"
	ModalitiesInStudy              Keyword = "ModalitiesInStudy"
	ReferringPhysicianName         Keyword = "ReferringPhysicianName"
	InstitutionName                Keyword = "InstitutionName"
	NumberOfStudyRelatedSeries     Keyword = "NumberOfStudyRelatedSeries"
	NumberOfStudyRelatedInstances  Keyword = "NumberOfStudyRelatedInstances"
	SeriesInstanceUID              Keyword = "SeriesInstanceUID"
	SeriesNumber                   Keyword = "SeriesNumber"
	SeriesDescription              Keyword = "SeriesDescription"
	SeriesDate                     Keyword = "SeriesDate"
	SeriesTime                     Keyword = "SeriesTime"
	Modality                       Keyword = "Modality"
	BodyPartExamined               Keyword = "BodyPartExamined"
	NumberOfSeriesRelatedInstances Keyword = "NumberOfSeriesRelatedInstances"
	SOPInstanceUID                 Keyword = "SOPInstanceUID"
	SOPClassUID                    Keyword = "SOPClassUID"
	InstanceNumber                 Keyword = "InstanceNumber"
	FailedSOPInstanceUIDList       Keyword = "FailedSOPInstanceUIDList"
)

// Valid reports whether the keyword is in the standard data dictionary.
func (k Keyword) Valid() bool {
	_, ok := dimse.LookupKeyword(string(k))
	return ok
}

type valueKind uint8

const (
	kindBlank valueKind = iota
	kindWildcard
	kindConcrete
)

// Value is a query or result attribute value: a concrete match, a wildcard
// the server expands, or blank (returned but not constrained).
type Value struct {
	kind   valueKind
	values []string
}

// Concrete returns a literal match value. Several values form a list match.
func Concrete(values ...string) Value {
	if len(values) == 0 || (len(values) == 1 && values[0] == "") {
		return Blank()
	}
	return Value{kind: kindConcrete, values: values}
}

// Wildcard returns the universal "*" match.
func Wildcard() Value {
	return Value{kind: kindWildcard}
}

// Blank returns an unconstrained return key.
func Blank() Value {
	return Value{}
}

func (v Value) IsBlank() bool    { return v.kind == kindBlank }
func (v Value) IsWildcard() bool { return v.kind == kindWildcard }
func (v Value) IsConcrete() bool { return v.kind == kindConcrete }

// Values returns the concrete components.
func (v Value) Values() []string {
	if v.kind != kindConcrete {
		return nil
	}
	return v.values
}

// String returns the first concrete component or "".
func (v Value) String() string {
	if v.kind != kindConcrete {
		return ""
	}
	return v.values[0]
}

// Known reports whether the value pins exactly one identifier. Values with
// matching characters are not known even though they are literal strings.
func (v Value) Known() bool {
	if v.kind != kindConcrete || len(v.values) != 1 {
		return false
	}
	return !strings.ContainsAny(v.values[0], "*?")
}

func (v Value) encode() []string {
	switch v.kind {
	case kindWildcard:
		return []string{"*"}
	case kindConcrete:
		return v.values
	default:
		return nil
	}
}

// MarshalJSON renders single values as strings and lists as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.kind == kindWildcard:
		return json.Marshal("*")
	case v.kind == kindConcrete && len(v.values) > 1:
		return json.Marshal(v.values)
	default:
		return json.Marshal(v.String())
	}
}

type queryEntry struct {
	keyword Keyword
	value   Value
}

// Query is an ordered attribute mapping sent as a C-FIND or retrieve
// identifier. QueryRetrieveLevel is always set by the connector.
type Query struct {
	entries []queryEntry
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{}
}

// Set stores a value, keeping the original position of an existing key.
func (q *Query) Set(k Keyword, v Value) *Query {
	for i := range q.entries {
		if q.entries[i].keyword == k {
			q.entries[i].value = v
			return q
		}
	}
	q.entries = append(q.entries, queryEntry{keyword: k, value: v})
	return q
}

// Get returns the value stored for a key.
func (q *Query) Get(k Keyword) (Value, bool) {
	for _, e := range q.entries {
		if e.keyword == k {
			return e.value, true
		}
	}
	return Value{}, false
}

// Has reports whether the key is present.
func (q *Query) Has(k Keyword) bool {
	_, ok := q.Get(k)
	return ok
}

// filter returns the value for a key when it constrains the match.
func (q *Query) filter(k Keyword) (Value, bool) {
	v, ok := q.Get(k)
	if !ok || !v.IsConcrete() {
		return Value{}, false
	}
	return v, true
}

// Keywords returns the keys in insertion order.
func (q *Query) Keywords() []Keyword {
	out := make([]Keyword, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.keyword)
	}
	return out
}

// Clone returns an independent copy.
func (q *Query) Clone() *Query {
	if q == nil {
		return NewQuery()
	}
	c := &Query{entries: make([]queryEntry, len(q.entries))}
	copy(c.entries, q.entries)
	return c
}

func (q *Query) dataset(level Level) (*dimse.Dataset, error) {
	ds := dimse.NewDataset()
	for _, e := range q.entries {
		if e.keyword == QueryRetrieveLevel {
			continue
		}
		if err := ds.SetKeyword(string(e.keyword), e.value.encode()...); err != nil {
			return nil, configError("Invalid query attribute %q.", e.keyword)
		}
	}
	if err := ds.SetKeyword(string(QueryRetrieveLevel), string(level)); err != nil {
		return nil, err
	}
	return ds, nil
}

// ParseQuery builds a query from loosely typed input such as decoded JSON.
// Keys are sorted to give a stable order; unknown keys are rejected.
func ParseQuery(input map[string]any) (*Query, error) {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := NewQuery()
	for _, k := range keys {
		kw := Keyword(k)
		if !kw.Valid() {
			return nil, configError("Invalid query attribute %q.", k)
		}
		v, err := parseValue(input[k])
		if err != nil {
			return nil, configError("Invalid value for %s: %v", k, err)
		}
		q.Set(kw, v)
	}
	return q, nil
}

func parseValue(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Blank(), nil
	case string:
		if v == "*" {
			return Wildcard(), nil
		}
		return Concrete(v), nil
	case []string:
		return Concrete(v...), nil
	case []any:
		values := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				if s, ok = scalarString(item); !ok {
					return Value{}, fmt.Errorf("list items must be strings or numbers, got %T", item)
				}
			}
			values = append(values, s)
		}
		return Concrete(values...), nil
	}
	if s, ok := scalarString(raw); ok {
		return Concrete(s), nil
	}
	return Value{}, fmt.Errorf("unsupported type %T", raw)
}

func scalarString(raw any) (string, bool) {
	switch v := raw.(type) {
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

// Attributes is one matched entity returned by a find operation.
type Attributes map[Keyword]Value

// String returns the first value of an attribute or "".
func (a Attributes) String(k Keyword) string {
	return a[k].String()
}

// Strings returns all values of an attribute.
func (a Attributes) Strings(k Keyword) []string {
	return a[k].Values()
}

func attributesFrom(ds *dimse.Dataset) Attributes {
	attrs := make(Attributes, ds.Len())
	for _, e := range ds.Elements() {
		entry, ok := dimse.LookupTag(e.Tag)
		if !ok || e.Tag.Element == 0x0000 || entry.Keyword == string(QueryRetrieveLevel) {
			continue
		}
		attrs[Keyword(entry.Keyword)] = Concrete(e.Values...)
	}
	return attrs
}
