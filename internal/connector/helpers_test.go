package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse/dimsetest"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

func newServer(t *testing.T, h dimsetest.Handler) *dimsetest.Server {
	t.Helper()
	srv := dimsetest.NewServer("PACS", h)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ACSETimeout = 5 * time.Second
	cfg.DIMSETimeout = 5 * time.Second
	cfg.NetworkTimeout = 5 * time.Second
	cfg.RetryTimeout = 0
	return cfg
}

func newConnector(srv *dimsetest.Server, server Server, opts ...Option) *Connector {
	return newConnectorWithConfig(srv, server, testConfig(), opts...)
}

func newConnectorWithConfig(srv *dimsetest.Server, server Server, cfg Config, opts ...Option) *Connector {
	server.AETitle = srv.AETitle
	server.Host = srv.Host()
	server.Port = srv.Port()
	return New(server, cfg, opts...)
}

// identifier builds a data set from keyword/value pairs.
func identifier(t *testing.T, pairs ...string) *dimse.Dataset {
	t.Helper()
	require.Zero(t, len(pairs)%2)
	ds := dimse.NewDataset()
	for i := 0; i < len(pairs); i += 2 {
		require.NoError(t, ds.SetKeyword(pairs[i], pairs[i+1]))
	}
	return ds
}

func lookup(ds *dimse.Dataset, k Keyword) (*dimse.Element, bool) {
	e, ok := dimse.LookupKeyword(string(k))
	if !ok {
		return nil, false
	}
	return ds.Get(e.Tag)
}

func value(ds *dimse.Dataset, k Keyword) string {
	e, ok := lookup(ds, k)
	if !ok || len(e.Values) == 0 {
		return ""
	}
	return e.Values[0]
}

// part10 returns a minimal CT instance as a Part 10 file.
func part10(t *testing.T, study, series, sop string) []byte {
	t.Helper()
	ds := identifier(t,
		"SOPClassUID", ctImageStorage,
		"SOPInstanceUID", sop,
		"StudyInstanceUID", study,
		"SeriesInstanceUID", series,
		"Modality", "CT",
	)
	data, err := ds.Encode(dimse.ExplicitVRLittleEndian)
	require.NoError(t, err)
	file, err := dimse.EncodeFile(dimse.FileMeta{
		MediaStorageSOPClassUID:    ctImageStorage,
		MediaStorageSOPInstanceUID: sop,
		TransferSyntaxUID:          dimse.ExplicitVRLittleEndian,
	}, data)
	require.NoError(t, err)
	return file
}

func uids(records []Attributes, k Keyword) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.String(k))
	}
	return out
}
