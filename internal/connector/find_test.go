package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse/dimsetest"
)

// recorder keeps the identifiers a fake server received.
type recorder struct {
	mu          sync.Mutex
	identifiers []*dimse.Dataset
	sopClasses  []string
}

func (r *recorder) add(sopClass string, id *dimse.Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sopClasses = append(r.sopClasses, sopClass)
	r.identifiers = append(r.identifiers, id)
}

func (r *recorder) last() (string, *dimse.Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.identifiers) - 1
	return r.sopClasses[n], r.identifiers[n]
}

func TestFindPatientsDeduplicatesStudyLevelResults(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, dimsetest.Handler{
		Find: func(sopClass string, id *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			rec.add(sopClass, id)
			return []*dimse.Dataset{
				identifier(t, "PatientID", "P1", "PatientName", "DOE^JANE", "StudyInstanceUID", "1.1"),
				identifier(t, "PatientID", "P1", "PatientName", "DOE^JANE", "StudyInstanceUID", "1.2"),
				identifier(t, "PatientID", "P2", "PatientName", "ROE^RICHARD", "StudyInstanceUID", "1.3"),
				identifier(t, "PatientID", "P1", "PatientName", "DOE^JANE", "StudyInstanceUID", "1.4"),
			}, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	patients, err := c.FindPatients(context.Background(), NewQuery().Set(PatientName, Wildcard()), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, uids(patients, PatientID))
	assert.Equal(t, "1.1", patients[0].String(StudyInstanceUID))

	sopClass, id := rec.last()
	assert.Equal(t, dimse.StudyRootFind, sopClass)
	assert.Equal(t, "STUDY", value(id, QueryRetrieveLevel))
}

func TestFindPatientsSameIDCollapsesToOneRecord(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Find: func(string, *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			var out []*dimse.Dataset
			for _, uid := range []string{"1.1", "1.2", "1.3"} {
				out = append(out, identifier(t, "PatientID", "P1", "StudyInstanceUID", uid))
			}
			return out, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	patients, err := c.FindPatients(context.Background(), NewQuery(), 0)
	require.NoError(t, err)
	assert.Len(t, patients, 1)
}

func TestFindPatientsExactBirthDate(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, dimsetest.Handler{
		Find: func(sopClass string, id *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			rec.add(sopClass, id)
			return []*dimse.Dataset{
				identifier(t, "PatientID", "P1", "PatientBirthDate", "19800101"),
				identifier(t, "PatientID", "P2", "PatientBirthDate", "19801231"),
			}, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{PatientRootFindSupport: true, StudyRootFindSupport: true})

	patients, err := c.FindPatients(context.Background(), NewQuery().Set(PatientBirthDate, Concrete("19800101")), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, uids(patients, PatientID))

	sopClass, id := rec.last()
	assert.Equal(t, dimse.PatientRootFind, sopClass)
	assert.Equal(t, "PATIENT", value(id, QueryRetrieveLevel))
	assert.Equal(t, "19800101", value(id, PatientBirthDate))
}

func TestFindStudiesDescriptionRegex(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, dimsetest.Handler{
		Find: func(sopClass string, id *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			rec.add(sopClass, id)
			return []*dimse.Dataset{
				identifier(t, "StudyInstanceUID", "1.1", "StudyDescription", "CHEST X-RAY"),
				identifier(t, "StudyInstanceUID", "1.2", "StudyDescription", "Abdomen CT"),
				identifier(t, "StudyInstanceUID", "1.3", "StudyDescription", "Follow-up chest tray"),
				identifier(t, "StudyInstanceUID", "1.4"),
			}, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	studies, err := c.FindStudies(context.Background(), NewQuery().Set(StudyDescription, Concrete("chest.*ray")), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1", "1.3"}, uids(studies, StudyInstanceUID))

	_, id := rec.last()
	desc, ok := lookup(id, StudyDescription)
	require.True(t, ok)
	assert.Empty(t, desc.Values, "description must not be sent to the server")
	_, ok = lookup(id, NumberOfStudyRelatedInstances)
	assert.True(t, ok)
}

func TestFindStudiesInvalidRegex(t *testing.T) {
	c := New(Server{StudyRootFindSupport: true}, testConfig())
	_, err := c.FindStudies(context.Background(), NewQuery().Set(StudyDescription, Concrete("chest(")), 0)
	var cfg *ConfigurationError
	require.ErrorAs(t, err, &cfg)
}

func TestFindSeriesNumberTolerance(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, dimsetest.Handler{
		Find: func(sopClass string, id *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			rec.add(sopClass, id)
			return []*dimse.Dataset{
				identifier(t, "SeriesInstanceUID", "1.1", "SeriesNumber", "04"),
				identifier(t, "SeriesInstanceUID", "1.2", "SeriesNumber", "5"),
				identifier(t, "SeriesInstanceUID", "1.3", "SeriesNumber", "4"),
				identifier(t, "SeriesInstanceUID", "1.4"),
			}, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	series, err := c.FindSeries(context.Background(), NewQuery().
		Set(StudyInstanceUID, Concrete("1")).
		Set(SeriesNumber, Concrete("+4")), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1", "1.3"}, uids(series, SeriesInstanceUID))

	_, id := rec.last()
	assert.Equal(t, "SERIES", value(id, QueryRetrieveLevel))
	assert.Equal(t, "", value(id, SeriesNumber))
}

func TestFindSeriesCombinesFilters(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Find: func(string, *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			return []*dimse.Dataset{
				identifier(t, "SeriesInstanceUID", "1.1", "Modality", "CT", "SeriesDescription", "Axial 5mm"),
				identifier(t, "SeriesInstanceUID", "1.2", "Modality", "MR", "SeriesDescription", "AXIAL T2"),
				identifier(t, "SeriesInstanceUID", "1.3", "Modality", "SR", "SeriesDescription", "axial report"),
				identifier(t, "SeriesInstanceUID", "1.4", "Modality", "CT", "SeriesDescription", "Scout"),
			}, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	series, err := c.FindSeries(context.Background(), NewQuery().
		Set(Modality, Concrete("CT", "MR")).
		Set(SeriesDescription, Concrete("axial")), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1", "1.2"}, uids(series, SeriesInstanceUID))
}

func TestFindStudiesModalityFilter(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Find: func(_ string, id *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			if value(id, QueryRetrieveLevel) == "SERIES" {
				switch value(id, StudyInstanceUID) {
				case "1.3":
					return []*dimse.Dataset{
						identifier(t, "Modality", "CT"),
						identifier(t, "Modality", "SR"),
					}, dimse.StatusSuccess
				case "1.4":
					return []*dimse.Dataset{identifier(t, "Modality", "MR")}, dimse.StatusSuccess
				}
				return nil, dimse.StatusSuccess
			}
			return []*dimse.Dataset{
				// Reported by the server: passes through.
				identifier(t, "PatientID", "P", "StudyInstanceUID", "1.1", "ModalitiesInStudy", "MR"),
				// Nothing to check.
				identifier(t, "PatientID", "P", "StudyInstanceUID", "1.2", "NumberOfStudyRelatedInstances", "0"),
				// Derived from the series.
				identifier(t, "PatientID", "P", "StudyInstanceUID", "1.3", "NumberOfStudyRelatedInstances", "12"),
				identifier(t, "PatientID", "P", "StudyInstanceUID", "1.4"),
			}, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	studies, err := c.FindStudies(context.Background(), NewQuery().Set(ModalitiesInStudy, Concrete("CT")), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1", "1.2", "1.3"}, uids(studies, StudyInstanceUID))
	assert.Equal(t, []string{"CT", "SR"}, studies[2].Strings(ModalitiesInStudy))

	stats := srv.Stats()
	assert.Equal(t, 1, stats.Associations)
	assert.Equal(t, 3, stats.Requests[dimse.CFindRQ])
}

func TestFilterStudiesByModalitiesRejectsBadCount(t *testing.T) {
	c := New(Server{StudyRootFindSupport: true}, testConfig())
	_, err := c.filterStudiesByModalities(context.Background(), []Attributes{{
		StudyInstanceUID:              Concrete("1.1"),
		NumberOfStudyRelatedInstances: Concrete("-3"),
	}}, []string{"CT"})
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
}

func TestFindLimitAbortsAssociation(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Find: func(string, *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			var out []*dimse.Dataset
			for _, uid := range []string{"1", "2", "3", "4", "5"} {
				out = append(out, identifier(t, "StudyInstanceUID", uid))
			}
			return out, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	studies, err := c.FindStudies(context.Background(), NewQuery(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, uids(studies, StudyInstanceUID))
	assert.Eventually(t, func() bool { return srv.Stats().Aborts == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, srv.Stats().Releases)
}

func TestFindFailureStatusIsRetriable(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Find: func(string, *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			return nil, dimse.StatusCannotUnderstand
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	_, err := c.FindImages(context.Background(), NewQuery().Set(StudyInstanceUID, Concrete("1")), 0)
	var retry *RetriableError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, "Failure (0xC000) occurred during C-FIND.", retry.Error())
	assert.False(t, retry.ExtendedBackoff)
}

func TestFetchStudyModalities(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Find: func(string, *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			return []*dimse.Dataset{
				identifier(t, "Modality", "MR"),
				identifier(t, "Modality", "CT"),
				identifier(t, "Modality", "MR"),
			}, dimse.StatusSuccess
		},
	})
	c := newConnector(srv, Server{StudyRootFindSupport: true})

	modalities, err := c.FetchStudyModalities(context.Background(), "P1", "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, []string{"CT", "MR"}, modalities)
}
