package bridge

import (
	"fmt"
	"sort"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/sapient"
)

// Mapper translates classification and behaviour labels into CoT typing
// and detail elements.
type Mapper struct {
	classToCot map[string]string
	behaviours map[string]BehaviourDetail
	fallback   string
	strict     bool
}

// NewMapper builds the mapper from configuration.
func NewMapper(config Config) *Mapper {
	return &Mapper{
		classToCot: config.ClassificationMapping,
		behaviours: config.BehaviourMapping,
		fallback:   config.UnknownClassFallback,
		strict:     config.StrictMode,
	}
}

// MapClassification resolves the best classification label to a CoT
// type. Under strict mode an unmapped label is rejected; otherwise the
// unknown-class fallback substitutes.
func (m *Mapper) MapClassification(label string) (cot.CotType, error) {
	if mapped, ok := m.classToCot[label]; ok {
		return cot.NewCotType(mapped)
	}
	if m.strict {
		return cot.CotType{}, fmt.Errorf("bridge: classification %q unmapped: %w", label, errors.ErrUnknownClassRejected)
	}
	return cot.NewCotType(m.fallback)
}

// BestClassification picks the winning label: highest confidence, ties
// broken lexicographically so the outcome is replay-stable.
func BestClassification(classifications []sapient.Classification) (sapient.Classification, bool) {
	if len(classifications) == 0 {
		return sapient.Classification{}, false
	}
	best := classifications[0]
	for _, c := range classifications[1:] {
		if c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && c.Type < best.Type) {
			best = c
		}
	}
	return best, true
}

// BehaviourDetails maps behaviour labels onto extension detail elements
// carrying (key, severity). Unmapped behaviours pass through under their
// own label with severity "info". Output order is deterministic: sorted
// by behaviour label.
func (m *Mapper) BehaviourDetails(behaviours []sapient.Behaviour) []cot.DetailElement {
	if len(behaviours) == 0 {
		return nil
	}

	sorted := append([]sapient.Behaviour(nil), behaviours...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })

	out := make([]cot.DetailElement, 0, len(sorted))
	for _, b := range sorted {
		mapped, ok := m.behaviours[b.Type]
		if !ok {
			mapped = BehaviourDetail{DetailKey: "behaviour/" + b.Type, Severity: "info"}
		}
		payload := fmt.Sprintf("severity=%s;confidence=%s", mapped.Severity, formatConfidence(b.Confidence))
		out = append(out, cot.Extension{Key: mapped.DetailKey, Bytes: []byte(payload)})
	}
	return out
}

// ProvenanceDetail converts per-class probabilities into a Provenance
// element, sorted by descending probability then label.
func ProvenanceDetail(source string, classifications []sapient.Classification) (cot.DetailElement, bool) {
	if len(classifications) == 0 {
		return nil, false
	}

	sorted := append([]sapient.Classification(nil), classifications...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Type < sorted[j].Type
	})

	probabilities := make([]cot.ClassProbability, len(sorted))
	for i, c := range sorted {
		probabilities[i] = cot.ClassProbability{Class: c.Type, Probability: c.Confidence}
	}
	return cot.Provenance{Source: source, Probabilities: probabilities}, true
}

func formatConfidence(v float64) string {
	return fmt.Sprintf("%.6f", v)
}
