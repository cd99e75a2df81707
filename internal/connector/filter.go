package connector

import (
	"context"
	"slices"
	"strconv"
	"strings"
)

// filterStudiesByModalities keeps the studies acquired with one of the
// wanted modalities. Studies that already report ModalitiesInStudy were
// filtered by the server and pass through. Studies without it are checked
// against the modalities of their series.
func (c *Connector) filterStudiesByModalities(ctx context.Context, studies []Attributes, wanted []string) ([]Attributes, error) {
	out := make([]Attributes, 0, len(studies))
	for _, study := range studies {
		if v, ok := study[ModalitiesInStudy]; ok && v.IsConcrete() {
			out = append(out, study)
			continue
		}

		instances := 1
		if raw := strings.TrimSpace(study.String(NumberOfStudyRelatedInstances)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, invariant("study %s reports %q related instances", study.String(StudyInstanceUID), raw)
			}
			instances = n
		}
		if instances == 0 {
			out = append(out, study)
			continue
		}

		modalities, err := c.FetchStudyModalities(ctx, study.String(PatientID), study.String(StudyInstanceUID))
		if err != nil {
			return nil, err
		}
		study[ModalitiesInStudy] = Concrete(modalities...)
		if slices.ContainsFunc(modalities, func(m string) bool { return slices.Contains(wanted, m) }) {
			out = append(out, study)
		}
	}
	return out, nil
}
