package connector

import (
	"time"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// Server is the remote application entity and the information models it
// supports.
type Server struct {
	AETitle string
	Host    string
	Port    int

	PatientRootFindSupport bool
	PatientRootGetSupport  bool
	PatientRootMoveSupport bool
	StudyRootFindSupport   bool
	StudyRootGetSupport    bool
	StudyRootMoveSupport   bool
	StoreSupport           bool
}

// Config controls association handling for one connector.
type Config struct {
	AutoConnect       bool
	ConnectionRetries int
	RetryTimeout      time.Duration

	// Protocol timeouts passed to the association; zero keeps the defaults.
	ACSETimeout    time.Duration
	DIMSETimeout   time.Duration
	NetworkTimeout time.Duration
	MaxPDULength   uint32

	CallingAETitle string
	// ReceiverAETitle is the C-MOVE destination for downloads through the
	// receiver service.
	ReceiverAETitle string
	// MoveIdleTimeout cancels a C-MOVE download when no file arrived for
	// this long.
	MoveIdleTimeout time.Duration
	// ExcludedModalities are skipped by study level transfers.
	ExcludedModalities []string
}

// Default settings
const (
	DefaultCallingAETitle    = "DICOM_CONNECTOR"
	DefaultConnectionRetries = 2
	DefaultRetryTimeout      = 30 * time.Second
	DefaultMoveIdleTimeout   = 60 * time.Second
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AutoConnect:       true,
		ConnectionRetries: DefaultConnectionRetries,
		RetryTimeout:      DefaultRetryTimeout,
		CallingAETitle:    DefaultCallingAETitle,
		ReceiverAETitle:   DefaultCallingAETitle,
		MoveIdleTimeout:   DefaultMoveIdleTimeout,
	}
}

// OperationKind selects the presentation contexts proposed when an
// association is opened.
type OperationKind string

const (
	KindFind  OperationKind = "find"
	KindGet   OperationKind = "get"
	KindMove  OperationKind = "move"
	KindStore OperationKind = "store"
	KindEcho  OperationKind = "echo"
)

func contextsFor(kind OperationKind) []dimse.PresentationContext {
	abstract := func(uids ...string) []dimse.PresentationContext {
		out := make([]dimse.PresentationContext, 0, len(uids))
		for _, uid := range uids {
			out = append(out, dimse.PresentationContext{AbstractSyntax: uid, TransferSyntaxes: dimse.DefaultTransferSyntaxes})
		}
		return out
	}
	find := abstract(dimse.StudyRootFind, dimse.PatientRootFind)

	switch kind {
	case KindGet:
		contexts := append(find, abstract(dimse.StudyRootGet, dimse.PatientRootGet)...)
		for _, pc := range abstract(dimse.StorageSOPClasses...) {
			pc.SCPRole = true
			contexts = append(contexts, pc)
		}
		return contexts
	case KindMove:
		return append(find, abstract(dimse.StudyRootMove, dimse.PatientRootMove)...)
	case KindStore:
		return abstract(dimse.StorageSOPClasses...)
	case KindEcho:
		return abstract(dimse.VerificationSOPClass)
	default:
		return find
	}
}
