package connector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse/dimsetest"
)

func ctInstance(t *testing.T, uid string) dimsetest.Instance {
	return dimsetest.Instance{
		SOPClassUID:    ctImageStorage,
		SOPInstanceUID: uid,
		Dataset: identifier(t,
			"SOPClassUID", ctImageStorage,
			"SOPInstanceUID", uid,
			"StudyInstanceUID", "1.2.3",
			"SeriesInstanceUID", "1.2.3.4",
		),
	}
}

func seriesQuery() *Query {
	return NewQuery().
		Set(PatientID, Concrete("P1")).
		Set(StudyInstanceUID, Concrete("1.2.3")).
		Set(SeriesInstanceUID, Concrete("1.2.3.4"))
}

func TestDownloadSeriesWithGet(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, dimsetest.Handler{
		Get: func(sopClass string, id *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			rec.add(sopClass, id)
			return []dimsetest.Instance{ctInstance(t, "1.2.3.4.1"), ctInstance(t, "1.2.3.4.2")}, dimse.StatusSuccess, nil
		},
	})
	c := newConnector(srv, Server{StudyRootGetSupport: true, StudyRootMoveSupport: true})
	folder := t.TempDir()

	q := seriesQuery().Set(SeriesDescription, Concrete("ignored"))
	require.NoError(t, c.DownloadSeries(context.Background(), q, folder, nil))

	for _, uid := range []string{"1.2.3.4.1", "1.2.3.4.2"} {
		data, err := os.ReadFile(filepath.Join(folder, uid))
		require.NoError(t, err)
		meta, dataset, err := dimse.SplitFile(data)
		require.NoError(t, err)
		assert.Equal(t, uid, meta.MediaStorageSOPInstanceUID)
		assert.Equal(t, ctImageStorage, meta.MediaStorageSOPClassUID)
		assert.Equal(t, dimse.ExplicitVRLittleEndian, meta.TransferSyntaxUID)
		assert.Equal(t, "PACS", meta.SourceAETitle)

		ds, err := dimse.ParseDataset(dataset, meta.TransferSyntaxUID)
		require.NoError(t, err)
		assert.Equal(t, uid, value(ds, SOPInstanceUID))
	}

	sopClass, id := rec.last()
	assert.Equal(t, dimse.StudyRootGet, sopClass)
	assert.Equal(t, "SERIES", value(id, QueryRetrieveLevel))
	assert.Equal(t, "1.2.3.4", value(id, SeriesInstanceUID))
	_, sent := lookup(id, SeriesDescription)
	assert.False(t, sent)

	assert.Equal(t, 1, srv.Stats().Releases)
}

func TestDownloadSeriesOutOfSpaceUsesExtendedBackoff(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Get: func(string, *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			return []dimsetest.Instance{ctInstance(t, "1.2.3.4.1"), ctInstance(t, "1.2.3.4.2")}, dimse.StatusSuccess, nil
		},
	})
	c := newConnector(srv, Server{StudyRootGetSupport: true})
	c.writeFile = func(name string, _ []byte) error {
		return &os.PathError{Op: "write", Path: name, Err: syscall.ENOSPC}
	}

	err := c.DownloadSeries(context.Background(), seriesQuery(), t.TempDir(), nil)
	var retry *RetriableError
	require.ErrorAs(t, err, &retry)
	assert.True(t, retry.ExtendedBackoff)
	assert.Equal(t, "retriable_extended", Kind(err))
	assert.ErrorIs(t, err, syscall.ENOSPC)

	assert.Eventually(t, func() bool { return srv.Stats().Aborts == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, srv.Stats().Releases)
}

func TestDownloadSeriesReportsFailedInstances(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Get: func(string, *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			ds := dimse.NewDataset()
			_ = ds.SetKeyword("FailedSOPInstanceUIDList", "1.2.3.4.1", "1.2.3.4.2")
			return nil, dimse.StatusSubOpsUnavailable, ds
		},
	})
	c := newConnector(srv, Server{StudyRootGetSupport: true})

	err := c.DownloadSeries(context.Background(), seriesQuery(), t.TempDir(), nil)
	var retry *RetriableError
	require.ErrorAs(t, err, &retry)
	assert.Contains(t, err.Error(), "Failed to transfer images with status Failure (0xA702).")
	assert.Contains(t, err.Error(), "1.2.3.4.1, 1.2.3.4.2")
}

func TestDownloadSeriesConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	var cfg *ConfigurationError

	c := New(Server{StudyRootFindSupport: true}, testConfig())
	require.ErrorAs(t, c.DownloadSeries(ctx, seriesQuery(), t.TempDir(), nil), &cfg)

	c = New(Server{StudyRootGetSupport: true}, testConfig())
	q := seriesQuery().Set(SeriesInstanceUID, Concrete("1.2.*"))
	require.ErrorAs(t, c.DownloadSeries(ctx, q, t.TempDir(), nil), &cfg)

	// Patient root needs a concrete PatientID.
	c = New(Server{PatientRootGetSupport: true}, testConfig())
	q = seriesQuery().Set(PatientID, Concrete("P?"))
	require.ErrorAs(t, c.DownloadSeries(ctx, q, t.TempDir(), nil), &cfg)

	c = New(Server{StudyRootMoveSupport: true}, testConfig())
	require.ErrorAs(t, c.DownloadSeries(ctx, seriesQuery(), t.TempDir(), nil), &cfg)
}

func TestDownloadSeriesDropsWildcardPatientID(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, dimsetest.Handler{
		Get: func(sopClass string, id *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			rec.add(sopClass, id)
			return []dimsetest.Instance{ctInstance(t, "1.2.3.4.1")}, dimse.StatusSuccess, nil
		},
	})
	c := newConnector(srv, Server{StudyRootGetSupport: true, PatientRootGetSupport: true})
	folder := t.TempDir()

	q := seriesQuery().Set(PatientID, Concrete("P*"))
	require.NoError(t, c.DownloadSeries(context.Background(), q, folder, nil))
	assert.FileExists(t, filepath.Join(folder, "1.2.3.4.1"))

	sopClass, id := rec.last()
	assert.Equal(t, dimse.StudyRootGet, sopClass)
	_, sent := lookup(id, PatientID)
	assert.False(t, sent)
	assert.Equal(t, "1.2.3", value(id, StudyInstanceUID))
}

func TestDownloadSeriesWriteFailureIsRetriable(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Get: func(string, *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			return []dimsetest.Instance{ctInstance(t, "1.2.3.4.1")}, dimse.StatusSuccess, nil
		},
	})
	c := newConnector(srv, Server{StudyRootGetSupport: true})
	c.writeFile = func(name string, _ []byte) error {
		return &os.PathError{Op: "open", Path: name, Err: syscall.EACCES}
	}

	err := c.DownloadSeries(context.Background(), seriesQuery(), t.TempDir(), nil)
	var retry *RetriableError
	require.ErrorAs(t, err, &retry)
	assert.False(t, retry.ExtendedBackoff)
	assert.Equal(t, "retriable", Kind(err))
	assert.ErrorIs(t, err, syscall.EACCES)
	assert.Contains(t, err.Error(), "Failed to write instance 1.2.3.4.1.")
}

func TestDownloadSeriesTransformFailureIsRetriable(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Get: func(string, *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			return []dimsetest.Instance{ctInstance(t, "1.2.3.4.1")}, dimse.StatusSuccess, nil
		},
	})
	c := newConnector(srv, Server{StudyRootGetSupport: true})
	boom := errors.New("boom")
	folder := t.TempDir()

	err := c.DownloadSeries(context.Background(), seriesQuery(), folder, func(*dicom.Dataset) error { return boom })
	var retry *RetriableError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, "retriable", Kind(err))
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, filepath.Join(folder, "1.2.3.4.1"))
}

func TestDownloadStudyNamesSeriesFolders(t *testing.T) {
	srv := newServer(t, dimsetest.Handler{
		Find: func(string, *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			return []*dimse.Dataset{
				identifier(t, "SeriesInstanceUID", "1.2.3.4", "Modality", "CT", "SeriesDescription", "Axial/5mm"),
				identifier(t, "SeriesInstanceUID", "1.2.3.5", "Modality", "SR"),
				identifier(t, "SeriesInstanceUID", "1.2.3.6", "Modality", "MR"),
			}, dimse.StatusSuccess
		},
		Get: func(_ string, id *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			return []dimsetest.Instance{ctInstance(t, value(id, SeriesInstanceUID)+".1")}, dimse.StatusSuccess, nil
		},
	})
	cfg := testConfig()
	cfg.ExcludedModalities = []string{"sr"}
	c := newConnectorWithConfig(srv, Server{StudyRootFindSupport: true, StudyRootGetSupport: true}, cfg)
	folder := t.TempDir()

	q := NewQuery().Set(PatientID, Concrete("P1")).Set(StudyInstanceUID, Concrete("1.2.3"))
	require.NoError(t, c.DownloadStudy(context.Background(), q, folder, []string{"CT", "SR"}, nil))

	assert.FileExists(t, filepath.Join(folder, "Axial_5mm", "1.2.3.4.1"))
	assert.NoDirExists(t, filepath.Join(folder, "1.2.3.5"))
	assert.NoDirExists(t, filepath.Join(folder, "1.2.3.6"))

	stats := srv.Stats()
	assert.Equal(t, 1, stats.Associations)
	assert.Equal(t, 1, stats.Requests[dimse.CGetRQ])
}

func TestSeriesFolderName(t *testing.T) {
	assert.Equal(t, "Axial 5mm", SeriesFolderName(Attributes{SeriesDescription: Concrete("Axial 5mm")}))
	assert.Equal(t, "T1_post", SeriesFolderName(Attributes{SeriesDescription: Concrete("T1\\post")}))
	assert.Equal(t, "1.2.3", SeriesFolderName(Attributes{
		SeriesDescription: Concrete(".."),
		SeriesInstanceUID: Concrete("1.2.3"),
	}))
}
