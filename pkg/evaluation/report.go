package evaluation

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
)

// Report is the scores.json artifact.
type Report struct {
	Loss        float64        `json:"loss"`
	Accuracy    float64        `json:"accuracy"`
	Params      map[string]any `json:"params,omitempty"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}

func SaveReport(path string, r Report) error {
	return artifacts.WriteAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		return enc.Encode(r)
	})
}

func LoadReport(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decoding report %s: %w", path, err)
	}
	return r, nil
}
