package scoring

import (
	"encoding/json"
	"fmt"
	"math"
)

// LogisticModel is the built-in artifact format: a logistic scorer with
// per-feature weights. The registry treats artifacts as opaque bytes; only
// the scorer interprets them.
type LogisticModel struct {
	Intercept float64            `json:"intercept"`
	Weights   map[string]float64 `json:"weights"`
	// CategoryWeights maps categorical feature -> category -> weight.
	// Unknown categories contribute the feature's "" default weight, if set.
	CategoryWeights map[string]map[string]float64 `json:"category_weights"`
}

// DecodeModel parses an artifact blob into a logistic model.
func DecodeModel(blob []byte) (*LogisticModel, error) {
	var m LogisticModel
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decoding model artifact: %w", err)
	}
	if len(m.Weights) == 0 && len(m.CategoryWeights) == 0 {
		return nil, fmt.Errorf("model artifact has no weights")
	}
	return &m, nil
}

// EncodeModel serializes a logistic model into an artifact blob.
func EncodeModel(m *LogisticModel) ([]byte, error) {
	return json.Marshal(m)
}

// Score returns the churn probability for one entity row.
func (m *LogisticModel) Score(numeric map[string]float64, categorical map[string]string) float64 {
	z := m.Intercept
	for name, w := range m.Weights {
		z += w * numeric[name]
	}
	for name, weights := range m.CategoryWeights {
		cat, ok := categorical[name]
		if !ok {
			continue
		}
		if w, ok := weights[cat]; ok {
			z += w
		} else if w, ok := weights[""]; ok {
			z += w
		}
	}
	return 1.0 / (1.0 + math.Exp(-z))
}
