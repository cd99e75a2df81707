package connector

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueKinds(t *testing.T) {
	assert.True(t, Concrete("P1").Known())
	assert.False(t, Concrete("P*").Known())
	assert.False(t, Concrete("P?1").Known())
	assert.False(t, Concrete("A", "B").Known())
	assert.False(t, Wildcard().Known())
	assert.False(t, Blank().Known())
	assert.True(t, Concrete("").IsBlank())

	assert.Equal(t, []string{"*"}, Wildcard().encode())
	assert.Nil(t, Blank().encode())
	assert.Equal(t, []string{"CT", "MR"}, Concrete("CT", "MR").encode())
}

func TestQueryDatasetForcesLevel(t *testing.T) {
	q := NewQuery().
		Set(QueryRetrieveLevel, Concrete("IMAGE")).
		Set(PatientID, Concrete("P1")).
		Set(StudyInstanceUID, Wildcard()).
		Set(StudyDate, Blank())

	ds, err := q.dataset(LevelStudy)
	require.NoError(t, err)
	assert.Equal(t, "STUDY", value(ds, QueryRetrieveLevel))
	assert.Equal(t, "P1", value(ds, PatientID))
	assert.Equal(t, "*", value(ds, StudyInstanceUID))

	e, ok := lookup(ds, StudyDate)
	require.True(t, ok)
	assert.Empty(t, e.Values)
}

func TestQuerySetKeepsOrderAndClones(t *testing.T) {
	q := NewQuery().Set(PatientID, Concrete("P1")).Set(StudyDate, Blank())
	c := q.Clone().Set(PatientID, Concrete("P2")).Set(Modality, Concrete("CT"))

	assert.Equal(t, []Keyword{PatientID, StudyDate}, q.Keywords())
	assert.Equal(t, []Keyword{PatientID, StudyDate, Modality}, c.Keywords())
	v, _ := q.Get(PatientID)
	assert.Equal(t, "P1", v.String())
}

func TestParseQuery(t *testing.T) {
	var input map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"StudyInstanceUID": "*",
		"PatientID": "P1",
		"ModalitiesInStudy": ["CT", "MR"],
		"SeriesNumber": 4,
		"StudyDate": null
	}`), &input))

	q, err := ParseQuery(input)
	require.NoError(t, err)
	assert.Equal(t, []Keyword{ModalitiesInStudy, PatientID, SeriesNumber, StudyDate, StudyInstanceUID}, q.Keywords())

	v, _ := q.Get(StudyInstanceUID)
	assert.True(t, v.IsWildcard())
	v, _ = q.Get(ModalitiesInStudy)
	assert.Equal(t, []string{"CT", "MR"}, v.Values())
	v, _ = q.Get(SeriesNumber)
	assert.Equal(t, "4", v.String())
	v, _ = q.Get(StudyDate)
	assert.True(t, v.IsBlank())

	var numbers map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"SeriesNumber": [3, 4.5, "6"]}`), &numbers))
	q, err = ParseQuery(numbers)
	require.NoError(t, err)
	v, _ = q.Get(SeriesNumber)
	assert.Equal(t, []string{"3", "4.5", "6"}, v.Values())

	_, err = ParseQuery(map[string]any{"SeriesNumber": []any{true}})
	var cfg *ConfigurationError
	assert.ErrorAs(t, err, &cfg)
}

func TestParseQueryRejectsUnknownKeyword(t *testing.T) {
	_, err := ParseQuery(map[string]any{"PatientsFavouriteColour": "blue"})
	var cfg *ConfigurationError
	require.ErrorAs(t, err, &cfg)
}

func TestValueMarshalJSON(t *testing.T) {
	out, err := json.Marshal(Attributes{
		PatientID:         Concrete("P1"),
		ModalitiesInStudy: Concrete("CT", "MR"),
		StudyDate:         Blank(),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"PatientID":"P1","ModalitiesInStudy":["CT","MR"],"StudyDate":""}`, string(out))
}
