package genai

import (
	"context"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// KeywordClassifier stands in for the model when no API key is configured. It
// recognizes a message that spells out an intent name ("book parcel" for
// book_parcel) and otherwise reports UnknownIntent, leaving routing to the
// resolver's keyword strategy.
type KeywordClassifier struct {
	intents []Intent
}

// NewKeywordClassifier creates a classifier over intents.
func NewKeywordClassifier(intents []Intent) *KeywordClassifier {
	return &KeywordClassifier{intents: intents}
}

// Classify implements the NLU interface without a remote call.
func (k *KeywordClassifier) Classify(_ context.Context, text, _ string) (models.NLUResult, error) {
	normalized := " " + strings.Join(strings.Fields(strings.ToLower(text)), " ") + " "
	for _, in := range k.intents {
		phrase := strings.ReplaceAll(strings.ToLower(in.Name), "_", " ")
		if phrase != "" && strings.Contains(normalized, " "+phrase+" ") {
			return models.NLUResult{Intent: in.Name, Module: in.Module, Confidence: 1}, nil
		}
	}
	return models.NLUResult{Intent: UnknownIntent}, nil
}
