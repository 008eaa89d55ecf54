package stage

import (
	"fmt"
	"strings"
)

// Identity names one of the pipeline stages.
type Identity string

const (
	Analyzer      Identity = "analyzer"
	QualitySearch Identity = "quality-search"
	Encoder       Identity = "encoder"
)

var pipelineOrder = []Identity{Analyzer, QualitySearch, Encoder}

// All returns the stage identities in pipeline order.
func All() []Identity {
	out := make([]Identity, len(pipelineOrder))
	copy(out, pipelineOrder)
	return out
}

// Valid reports whether the identity belongs to the fixed stage set.
func (id Identity) Valid() bool {
	for _, known := range pipelineOrder {
		if id == known {
			return true
		}
	}
	return false
}

func (id Identity) String() string {
	return string(id)
}

// Next returns the stage that consumes this stage's output. The final stage
// reports false.
func (id Identity) Next() (Identity, bool) {
	for i, known := range pipelineOrder {
		if known == id && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return "", false
}

// ParseIdentity normalizes user input into a stage identity.
func ParseIdentity(value string) (Identity, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	switch normalized {
	case "analyzer", "analyser", "analysis":
		return Analyzer, nil
	case "quality-search", "qualitysearch", "crf-search", "crfsearch", "search":
		return QualitySearch, nil
	case "encoder", "encode", "encoding":
		return Encoder, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStageIdentity, value)
}
