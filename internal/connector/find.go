package connector

import (
	"context"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// find sends one C-FIND and returns the matched identifiers. With limit > 0
// reading stops after that many matches and the association is aborted,
// since some servers ignore C-CANCEL.
func (c *Connector) find(ctx context.Context, level Level, q *Query, limit int) ([]Attributes, error) {
	model, err := c.server.findModel(level, q)
	if err != nil {
		return nil, err
	}
	identifier, err := q.dataset(level)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var results []Result
	err = c.withAssociation(ctx, contextsFor(KindFind), func(a *dimse.Association) error {
		matches, limited := 0, false
		err := a.CFind(ctx, model, identifier, func(resp *dimse.Response) bool {
			r := resultFrom(resp)
			results = append(results, r)
			if r.Category == dimse.CategoryPending {
				matches++
				if limit > 0 && matches >= limit {
					limited = true
					return false
				}
			}
			return true
		})
		if limited {
			c.abortIfOpen()
		}
		return operationError(ctx, "C-FIND", err)
	})
	if err != nil {
		return nil, err
	}

	matches, err := extractPendingData(results, "C-FIND")
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("ae_title", c.server.AETitle).
		Str("level", string(level)).
		Int("matches", len(matches)).
		Dur("duration", time.Since(start)).
		Msg("C-FIND completed")
	return matches, nil
}

// FindPatients returns one record per patient matching q.
func (c *Connector) FindPatients(ctx context.Context, q *Query, limit int) ([]Attributes, error) {
	q = q.Clone()
	level := LevelStudy
	if c.server.PatientRootFindSupport {
		level = LevelPatient
	}
	if !q.Has(PatientID) {
		q.Set(PatientID, Blank())
	}
	birthDate, filterBirthDate := q.filter(PatientBirthDate)

	results, err := c.find(ctx, level, q, limit)
	if err != nil {
		return nil, err
	}

	// A study level query returns one row per study.
	if level == LevelStudy {
		seen := make(map[string]struct{}, len(results))
		unique := results[:0]
		for _, r := range results {
			id := r.String(PatientID)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			unique = append(unique, r)
		}
		results = unique
	}

	if filterBirthDate {
		results = keep(results, func(r Attributes) bool {
			return r.String(PatientBirthDate) == birthDate.String()
		})
	}
	return results, nil
}

// FindStudies returns the studies matching q. StudyDescription is matched
// as a case-insensitive regular expression.
func (c *Connector) FindStudies(ctx context.Context, q *Query, limit int) ([]Attributes, error) {
	q = q.Clone()
	if !q.Has(NumberOfStudyRelatedInstances) {
		q.Set(NumberOfStudyRelatedInstances, Blank())
	}
	description, err := hoistRegex(q, StudyDescription)
	if err != nil {
		return nil, err
	}
	modalities, filterModalities := q.filter(ModalitiesInStudy)

	var results []Attributes
	err = c.withAssociation(ctx, contextsFor(KindFind), func(*dimse.Association) error {
		var err error
		results, err = c.find(ctx, LevelStudy, q, limit)
		if err != nil {
			return err
		}
		if description != nil {
			results = keep(results, func(r Attributes) bool {
				return description.MatchString(r.String(StudyDescription))
			})
		}
		if filterModalities {
			results, err = c.filterStudiesByModalities(ctx, results, modalities.Values())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FindSeries returns the series matching q. Modality, SeriesNumber and
// SeriesDescription are evaluated on the returned attributes.
func (c *Connector) FindSeries(ctx context.Context, q *Query, limit int) ([]Attributes, error) {
	q = q.Clone()

	modality, filterModality := q.filter(Modality)
	if filterModality {
		q.Set(Modality, Blank())
	}
	var numbers map[int]struct{}
	if v, ok := q.filter(SeriesNumber); ok {
		numbers = make(map[int]struct{}, len(v.Values()))
		for _, s := range v.Values() {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, configError("Invalid SeriesNumber filter %q.", s)
			}
			numbers[n] = struct{}{}
		}
		q.Set(SeriesNumber, Blank())
	}
	description, err := hoistRegex(q, SeriesDescription)
	if err != nil {
		return nil, err
	}

	results, err := c.find(ctx, LevelSeries, q, limit)
	if err != nil {
		return nil, err
	}
	return keep(results, func(r Attributes) bool {
		if filterModality && !slices.Contains(modality.Values(), r.String(Modality)) {
			return false
		}
		if numbers != nil {
			n, err := strconv.Atoi(strings.TrimSpace(r.String(SeriesNumber)))
			if err != nil {
				return false
			}
			if _, ok := numbers[n]; !ok {
				return false
			}
		}
		if description != nil && !description.MatchString(r.String(SeriesDescription)) {
			return false
		}
		return true
	}), nil
}

// FindImages returns the instances matching q.
func (c *Connector) FindImages(ctx context.Context, q *Query, limit int) ([]Attributes, error) {
	return c.find(ctx, LevelImage, q.Clone(), limit)
}

// FetchStudyModalities returns the sorted distinct modalities of a study's
// series.
func (c *Connector) FetchStudyModalities(ctx context.Context, patientID, studyUID string) ([]string, error) {
	q := NewQuery().
		Set(PatientID, Concrete(patientID)).
		Set(StudyInstanceUID, Concrete(studyUID)).
		Set(SeriesInstanceUID, Blank()).
		Set(Modality, Blank())
	series, err := c.find(ctx, LevelSeries, q, 0)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, s := range series {
		if m := s.String(Modality); m != "" {
			set[m] = struct{}{}
		}
	}
	modalities := make([]string, 0, len(set))
	for m := range set {
		modalities = append(modalities, m)
	}
	sort.Strings(modalities)
	return modalities, nil
}

// hoistRegex blanks a description filter in the outgoing query and returns
// it compiled for client-side matching.
func hoistRegex(q *Query, k Keyword) (*regexp.Regexp, error) {
	v, ok := q.filter(k)
	if !ok {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + v.String())
	if err != nil {
		return nil, configError("Invalid %s pattern %q: %v", k, v.String(), err)
	}
	q.Set(k, Blank())
	return re, nil
}

func keep(in []Attributes, pred func(Attributes) bool) []Attributes {
	out := in[:0]
	for _, a := range in {
		if pred(a) {
			out = append(out, a)
		}
	}
	return out
}
