package core

import (
	"context"
)

// ExtractionResult is either Ok (Degraded empty) or Degraded, in which case Text is
// empty and Degraded carries the reason.
type ExtractionResult struct {
	Text     string
	Degraded string
}

func ExtractedOk(text string) ExtractionResult { return ExtractionResult{Text: text} }

func ExtractionDegraded(reason string) ExtractionResult {
	return ExtractionResult{Degraded: reason}
}

func (r ExtractionResult) IsDegraded() bool { return r.Degraded != "" }

// TextExtractor converts a raw document into plain text. fileType is the lower case
// extension without the dot. A returned error is fatal for the document; soft
// failures such as OCR come back as a degraded result.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileType string) (ExtractionResult, error)
}
