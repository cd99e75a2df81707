package connector

import (
	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// findModel picks the C-FIND information model for a query at level.
func (s Server) findModel(level Level, q *Query) (string, error) {
	if s.StudyRootFindSupport && level != LevelPatient {
		return dimse.StudyRootFind, nil
	}
	if s.PatientRootFindSupport && (level == LevelPatient || known(q, PatientID)) {
		return dimse.PatientRootFind, nil
	}
	return "", configError("No valid Query/Retrieve Information Model for C-FIND could be selected.")
}

// getModel picks the C-GET information model for a retrieve identifier.
func (s Server) getModel(q *Query) (string, error) {
	return retrieveModel(q, "C-GET",
		s.StudyRootGetSupport, dimse.StudyRootGet,
		s.PatientRootGetSupport, dimse.PatientRootGet)
}

// moveModel picks the C-MOVE information model for a retrieve identifier.
func (s Server) moveModel(q *Query) (string, error) {
	return retrieveModel(q, "C-MOVE",
		s.StudyRootMoveSupport, dimse.StudyRootMove,
		s.PatientRootMoveSupport, dimse.PatientRootMove)
}

func retrieveModel(q *Query, op string, study bool, studyUID string, patient bool, patientUID string) (string, error) {
	if study && known(q, StudyInstanceUID) {
		return studyUID, nil
	}
	if patient && known(q, PatientID) && known(q, StudyInstanceUID) {
		return patientUID, nil
	}
	return "", configError("No valid Query/Retrieve Information Model for %s could be selected.", op)
}

// SupportsGet reports whether any C-GET model is advertised.
func (s Server) SupportsGet() bool {
	return s.PatientRootGetSupport || s.StudyRootGetSupport
}

// SupportsMove reports whether any C-MOVE model is advertised.
func (s Server) SupportsMove() bool {
	return s.PatientRootMoveSupport || s.StudyRootMoveSupport
}

// SupportsFind reports whether any C-FIND model is advertised.
func (s Server) SupportsFind() bool {
	return s.PatientRootFindSupport || s.StudyRootFindSupport
}

func known(q *Query, k Keyword) bool {
	if q == nil {
		return false
	}
	v, ok := q.Get(k)
	return ok && v.Known()
}

// requireKnown rejects retrieve identifiers that do not pin a single entity.
func requireKnown(q *Query, keys ...Keyword) error {
	for _, k := range keys {
		if !known(q, k) {
			return configError("%s must be a single concrete value without wildcards.", k)
		}
	}
	return nil
}
