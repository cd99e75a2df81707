package dimse

// Well-known UIDs used during association negotiation.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"

	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7433.1.1"
	ImplementationVersionName = "DICOM_CONNECTOR_V1"

	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLE   = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// SOP classes for verification and query/retrieve.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"

	PatientRootFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootGet  = "1.2.840.10008.5.1.4.1.2.1.3"
	StudyRootFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootGet    = "1.2.840.10008.5.1.4.1.2.2.3"
)

// StorageSOPClasses lists the storage classes proposed when a C-GET or a
// generic store association needs to receive or send images.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",        // Computed Radiography
	"1.2.840.10008.5.1.4.1.1.1.1",      // Digital X-Ray For Presentation
	"1.2.840.10008.5.1.4.1.1.1.1.1",    // Digital X-Ray For Processing
	"1.2.840.10008.5.1.4.1.1.1.2",      // Digital Mammography For Presentation
	"1.2.840.10008.5.1.4.1.1.1.2.1",    // Digital Mammography For Processing
	"1.2.840.10008.5.1.4.1.1.1.3",      // Digital Intra-Oral X-Ray For Presentation
	"1.2.840.10008.5.1.4.1.1.2",        // CT
	"1.2.840.10008.5.1.4.1.1.2.1",      // Enhanced CT
	"1.2.840.10008.5.1.4.1.1.3.1",      // Ultrasound Multi-frame
	"1.2.840.10008.5.1.4.1.1.4",        // MR
	"1.2.840.10008.5.1.4.1.1.4.1",      // Enhanced MR
	"1.2.840.10008.5.1.4.1.1.6.1",      // Ultrasound
	"1.2.840.10008.5.1.4.1.1.7",        // Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.1",      // Multi-frame Single Bit SC
	"1.2.840.10008.5.1.4.1.1.7.2",      // Multi-frame Grayscale Byte SC
	"1.2.840.10008.5.1.4.1.1.7.3",      // Multi-frame Grayscale Word SC
	"1.2.840.10008.5.1.4.1.1.7.4",      // Multi-frame True Color SC
	"1.2.840.10008.5.1.4.1.1.11.1",     // Grayscale Softcopy Presentation State
	"1.2.840.10008.5.1.4.1.1.12.1",     // X-Ray Angiographic
	"1.2.840.10008.5.1.4.1.1.12.2",     // X-Ray Radiofluoroscopic
	"1.2.840.10008.5.1.4.1.1.20",       // Nuclear Medicine
	"1.2.840.10008.5.1.4.1.1.66",       // Raw Data
	"1.2.840.10008.5.1.4.1.1.66.4",     // Segmentation
	"1.2.840.10008.5.1.4.1.1.88.11",    // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22",    // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.88.33",    // Comprehensive SR
	"1.2.840.10008.5.1.4.1.1.88.59",    // Key Object Selection
	"1.2.840.10008.5.1.4.1.1.104.1",    // Encapsulated PDF
	"1.2.840.10008.5.1.4.1.1.128",      // PET
	"1.2.840.10008.5.1.4.1.1.130",      // Enhanced PET
	"1.2.840.10008.5.1.4.1.1.481.1",    // RT Image
	"1.2.840.10008.5.1.4.1.1.481.2",    // RT Dose
	"1.2.840.10008.5.1.4.1.1.481.3",    // RT Structure Set
	"1.2.840.10008.5.1.4.1.1.481.5",    // RT Plan
	"1.2.840.10008.5.1.4.1.1.77.1.4",   // VL Photographic
	"1.2.840.10008.5.1.4.1.1.13.1.3",   // Breast Tomosynthesis
	"1.2.840.10008.5.1.4.1.1.77.1.6",   // VL Whole Slide Microscopy
	"1.2.840.10008.5.1.4.1.1.88.67",    // X-Ray Radiation Dose SR
	"1.2.840.10008.5.1.4.1.1.2.2",      // Legacy Converted Enhanced CT
	"1.2.840.10008.5.1.4.1.1.4.4",      // Legacy Converted Enhanced MR
	"1.2.840.10008.5.1.4.1.1.128.1",    // Legacy Converted Enhanced PET
	"1.2.840.10008.5.1.4.1.1.481.4",    // RT Beams Treatment Record
	"1.2.840.10008.5.1.4.1.1.88.34",    // Comprehensive 3D SR
	"1.2.840.10008.5.1.4.1.1.9.1.1",    // 12-lead ECG Waveform
	"1.2.840.10008.5.1.4.1.1.77.1.5.1", // Ophthalmic Photography 8 Bit
}

// DefaultTransferSyntaxes are the uncompressed syntaxes proposed for every
// presentation context.
var DefaultTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}
