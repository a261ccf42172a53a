package judge

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/zulandar/arena/internal/models"
)

// Flag is one element of the judge's reply.
type Flag struct {
	ModelID     string          `json:"model_id" jsonschema:"required"`
	TurnID      *string         `json:"turn_id" jsonschema:"required"`
	FlagType    string          `json:"flag_type" jsonschema:"required,enum=refusal,enum=context_loss,enum=sycophancy,enum=verbosity,enum=rank_reversal"`
	Severity    string          `json:"severity" jsonschema:"required,enum=low,enum=medium,enum=high"`
	Description string          `json:"description" jsonschema:"required"`
	Evidence    models.Evidence `json:"evidence" jsonschema:"required"`
	Confidence  float64         `json:"confidence" jsonschema:"required,minimum=0,maximum=1"`
}

// Model converts f into a row for sessionID.
func (f Flag) Model(sessionID string) models.BehavioralFlag {
	return models.BehavioralFlag{
		SessionID:   sessionID,
		TurnID:      f.TurnID,
		ModelID:     f.ModelID,
		FlagType:    f.FlagType,
		Severity:    f.Severity,
		Description: f.Description,
		Evidence:    f.Evidence,
		Confidence:  f.Confidence,
	}
}

// stripFences removes a markdown code fence around the reply, if present.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseFlags decodes and validates the judge's reply. Every flag must name
// one of modelIDs; a turn_id outside turnIDs is dropped to nil. Any
// violation fails the whole reply with ErrInvalidOutput.
func ParseFlags(raw string, modelIDs, turnIDs []string) ([]Flag, error) {
	text := stripFences(raw)
	if !strings.HasPrefix(text, "[") {
		return nil, fmt.Errorf("%w: not a JSON array: %.200q", ErrInvalidOutput, text)
	}
	var flags []Flag
	if err := json.Unmarshal([]byte(text), &flags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	for i := range flags {
		f := &flags[i]
		switch {
		case !slices.Contains(modelIDs, f.ModelID):
			return nil, fmt.Errorf("%w: flag %d: unknown model_id %q", ErrInvalidOutput, i, f.ModelID)
		case !slices.Contains(models.FlagTypes, f.FlagType):
			return nil, fmt.Errorf("%w: flag %d: unknown flag_type %q", ErrInvalidOutput, i, f.FlagType)
		case !slices.Contains(models.Severities, f.Severity):
			return nil, fmt.Errorf("%w: flag %d: unknown severity %q", ErrInvalidOutput, i, f.Severity)
		case f.Confidence < 0 || f.Confidence > 1:
			return nil, fmt.Errorf("%w: flag %d: confidence %v out of range", ErrInvalidOutput, i, f.Confidence)
		}
		if f.TurnID != nil && !slices.Contains(turnIDs, *f.TurnID) {
			f.TurnID = nil
		}
	}
	return flags, nil
}
