package dimse_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse/dimsetest"
)

func connect(t *testing.T, srv *dimsetest.Server, contexts ...dimse.PresentationContext) *dimse.Association {
	t.Helper()
	assoc, err := dimse.Connect(context.Background(), dimse.AssociationConfig{
		Host:         srv.Host(),
		Port:         srv.Port(),
		CallingAET:   "DICOM_CONNECTOR",
		CalledAET:    srv.AETitle,
		Contexts:     contexts,
		ACSETimeout:  5 * time.Second,
		DIMSETimeout: 5 * time.Second,
		MaxPDULength: 1024,
	})
	require.NoError(t, err)
	return assoc
}

func TestEchoAndRelease(t *testing.T) {
	srv := dimsetest.NewServer("ORTHANC", dimsetest.Handler{})
	defer srv.Close()

	assoc := connect(t, srv, dimse.PresentationContext{
		AbstractSyntax:   dimse.VerificationSOPClass,
		TransferSyntaxes: dimse.DefaultTransferSyntaxes,
	})
	status, err := assoc.CEcho(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dimse.StatusSuccess, status)

	require.NoError(t, assoc.Release())
	assert.ErrorIs(t, assoc.Release(), dimse.ErrAssociationClosed)

	stats := srv.Stats()
	assert.Equal(t, 1, stats.Associations)
	assert.Equal(t, 1, stats.Releases)
}

func TestFindStreamsPendingResponses(t *testing.T) {
	srv := dimsetest.NewServer("PACS", dimsetest.Handler{
		Find: func(sopClass string, id *dimse.Dataset) ([]*dimse.Dataset, uint16) {
			var out []*dimse.Dataset
			// Large enough to force fragmentation at a 1 KB PDU.
			for i := 0; i < 3; i++ {
				ds := dimse.NewDataset()
				_ = ds.SetKeyword("PatientID", id.String(dimse.Tag{Group: 0x0010, Element: 0x0020}))
				_ = ds.SetKeyword("StudyDescription", strings.Repeat("A", 2000))
				_ = ds.SetKeyword("StudyInstanceUID", "1.2."+string(rune('1'+i)))
				out = append(out, ds)
			}
			return out, dimse.StatusSuccess
		},
	})
	defer srv.Close()

	assoc := connect(t, srv, dimse.PresentationContext{
		AbstractSyntax:   dimse.StudyRootFind,
		TransferSyntaxes: dimse.DefaultTransferSyntaxes,
	})
	defer assoc.Release()

	id := dimse.NewDataset()
	require.NoError(t, id.SetKeyword("QueryRetrieveLevel", "STUDY"))
	require.NoError(t, id.SetKeyword("PatientID", "P1"))
	require.NoError(t, id.SetKeyword("StudyInstanceUID"))

	var responses []*dimse.Response
	err := assoc.CFind(context.Background(), dimse.StudyRootFind, id, func(r *dimse.Response) bool {
		responses = append(responses, r)
		return true
	})
	require.NoError(t, err)
	require.Len(t, responses, 4)
	for _, r := range responses[:3] {
		assert.Equal(t, dimse.StatusPending, r.Status)
		require.NotNil(t, r.Identifier)
		assert.Equal(t, "P1", r.Identifier.String(dimse.Tag{Group: 0x0010, Element: 0x0020}))
	}
	assert.Equal(t, "1.2.3", responses[2].Identifier.String(dimse.Tag{Group: 0x0020, Element: 0x000D}))
	assert.Equal(t, dimse.StatusSuccess, responses[3].Status)
	assert.Nil(t, responses[3].Identifier)
}

func TestGetAnswersStoreSubOperations(t *testing.T) {
	instance := func(uid string) dimsetest.Instance {
		ds := dimse.NewDataset()
		_ = ds.SetKeyword("SOPClassUID", dimse.StorageSOPClasses[6])
		_ = ds.SetKeyword("SOPInstanceUID", uid)
		return dimsetest.Instance{SOPClassUID: dimse.StorageSOPClasses[6], SOPInstanceUID: uid, Dataset: ds}
	}
	srv := dimsetest.NewServer("PACS", dimsetest.Handler{
		Get: func(string, *dimse.Dataset) ([]dimsetest.Instance, uint16, *dimse.Dataset) {
			return []dimsetest.Instance{instance("1.1"), instance("1.2")}, dimse.StatusSuccess, nil
		},
	})
	defer srv.Close()

	assoc := connect(t, srv,
		dimse.PresentationContext{AbstractSyntax: dimse.StudyRootGet, TransferSyntaxes: dimse.DefaultTransferSyntaxes},
		dimse.PresentationContext{AbstractSyntax: dimse.StorageSOPClasses[6], TransferSyntaxes: dimse.DefaultTransferSyntaxes, SCPRole: true},
	)
	defer assoc.Release()

	var stored []string
	handler := dimse.StoreHandlerFunc(func(_ context.Context, req *dimse.StoreRequest) uint16 {
		stored = append(stored, req.SOPInstanceUID)
		assert.Equal(t, dimse.ExplicitVRLittleEndian, req.TransferSyntax)
		assert.NotEmpty(t, req.Data)
		return dimse.StatusSuccess
	})

	var final *dimse.Response
	err := assoc.CGet(context.Background(), dimse.StudyRootGet, dimse.NewDataset(), handler, func(r *dimse.Response) bool {
		final = r
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1", "1.2"}, stored)
	assert.Equal(t, dimse.StatusSuccess, final.Status)
}

func TestAbortUnblocksPendingOperation(t *testing.T) {
	var calls atomic.Int32
	block := make(chan struct{})
	srv := dimsetest.NewServer("PACS", dimsetest.Handler{
		Move: func(string, string, *dimse.Dataset) (uint16, *dimse.Dataset) {
			calls.Add(1)
			<-block
			return dimse.StatusSuccess, nil
		},
	})
	defer srv.Close()
	defer close(block)

	assoc := connect(t, srv, dimse.PresentationContext{
		AbstractSyntax:   dimse.StudyRootMove,
		TransferSyntaxes: dimse.DefaultTransferSyntaxes,
	})

	go func() {
		assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
		_ = assoc.Abort()
	}()

	err := assoc.CMove(context.Background(), dimse.StudyRootMove, "RECEIVER", dimse.NewDataset(), func(*dimse.Response) bool { return true })
	require.Error(t, err)
	assert.ErrorIs(t, err, dimse.ErrAssociationClosed)
	assert.True(t, assoc.Closed())
}

func TestConnectRequiresContexts(t *testing.T) {
	_, err := dimse.Connect(context.Background(), dimse.AssociationConfig{
		Host: "127.0.0.1",
		Port: 1,
	})
	require.Error(t, err)
}
