package terminology

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks lookups rejected before reaching a resolver.
var ErrInvalidRequest = errors.New("invalid lookup request")

// Domain is the clinical domain a source code belongs to. It selects the
// vocabularies a code is looked up in.
type Domain string

const (
	DomainCondition Domain = "condition"
	DomainDrug      Domain = "drug"
	DomainGender    Domain = "gender"
	DomainRace      Domain = "race"
	DomainEthnicity Domain = "ethnicity"
)

// Unresolved is the concept id written when a source code has no standard
// concept. OMOP reserves 0 for "No matching concept".
const Unresolved int64 = 0

// OMOP vocabulary_id values used by Synthea exports.
const (
	VocabSNOMED    = "SNOMED"
	VocabICD10CM   = "ICD10CM"
	VocabRxNorm    = "RxNorm"
	VocabNDC       = "NDC"
	VocabGender    = "Gender"
	VocabRace      = "Race"
	VocabEthnicity = "Ethnicity"
)

var domainVocabularies = map[Domain][]string{
	DomainCondition: {VocabSNOMED, VocabICD10CM},
	DomainDrug:      {VocabRxNorm, VocabNDC},
	DomainGender:    {VocabGender},
	DomainRace:      {VocabRace},
	DomainEthnicity: {VocabEthnicity},
}

// Vocabularies returns the vocabulary ids searched for codes of this domain.
func (d Domain) Vocabularies() []string {
	return domainVocabularies[d]
}

// ParseDomain validates a domain name.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if _, ok := domainVocabularies[d]; !ok {
		return "", fmt.Errorf("%w: unknown domain %q", ErrInvalidRequest, s)
	}
	return d, nil
}

// Resolution is the result of resolving one source code.
type Resolution struct {
	SourceCode string `json:"source_code"`
	Domain     Domain `json:"domain"`
	ConceptID  int64  `json:"concept_id"`
	Resolved   bool   `json:"resolved"`
}
