package dimse

// Status codes referenced by the connector.
const (
	StatusSuccess           uint16 = 0x0000
	StatusPending           uint16 = 0xFF00
	StatusPendingWarning    uint16 = 0xFF01
	StatusCancel            uint16 = 0xFE00
	StatusOutOfResources    uint16 = 0xA700
	StatusSubOpsUnavailable uint16 = 0xA702
	StatusProcessingFailure uint16 = 0x0110
	StatusCannotUnderstand  uint16 = 0xC000
)

// Category is the coarse class of a DIMSE status code.
type Category int

const (
	CategoryFailure Category = iota
	CategoryPending
	CategorySuccess
	CategoryWarning
)

func (c Category) String() string {
	switch c {
	case CategoryPending:
		return "Pending"
	case CategorySuccess:
		return "Success"
	case CategoryWarning:
		return "Warning"
	default:
		return "Failure"
	}
}

// Classify maps a status code onto its category. Codes outside the
// success, pending and warning ranges, cancel included, are failures.
func Classify(status uint16) Category {
	switch {
	case status == StatusSuccess:
		return CategorySuccess
	case status == StatusPending || status == StatusPendingWarning:
		return CategoryPending
	case status == 0x0001 || status == 0x0107 || status == 0x0116:
		return CategoryWarning
	case status >= 0xB000 && status <= 0xBFFF:
		return CategoryWarning
	default:
		return CategoryFailure
	}
}

// IsPending reports whether more responses follow.
func IsPending(status uint16) bool {
	return Classify(status) == CategoryPending
}
