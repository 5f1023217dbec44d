package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
)

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"txt":  "text/plain",
	"md":   "text/plain",
}

func contentTypeFor(ext string) string {
	if ct, ok := mimeTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func isImage(ext string) bool {
	return strings.HasPrefix(contentTypeFor(ext), "image/")
}

// DocconvExtractor implements core.TextExtractor using sajari/docconv. PDFs go through
// the text layer; images go through OCR, which only works when docconv is built with
// the ocr tag. OCR failures are reported as degraded results.
type DocconvExtractor struct {
	useReadability bool
	log            *zap.Logger
}

var _ core.TextExtractor = (*DocconvExtractor)(nil)

func NewDocconvExtractor(useReadability bool, log *zap.Logger) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability, log: log}
}

func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, fileType string) (core.ExtractionResult, error) {
	ct, ok := mimeTypes[fileType]
	if !ok {
		return core.ExtractionResult{}, fmt.Errorf("no extractor for file type %q", fileType)
	}
	if ct == "text/plain" {
		return core.ExtractedOk(strings.TrimSpace(string(data))), nil
	}

	type result struct {
		res *docconv.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := docconv.Convert(bytes.NewReader(data), ct, e.useReadability)
		done <- result{res: res, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return core.ExtractionResult{}, ctx.Err()
	case r = <-done:
	}

	if isImage(fileType) {
		if r.err != nil {
			e.log.Warn("ocr failed, continuing with empty text", zap.String("type", fileType), zap.Error(r.err))
			return core.ExtractionDegraded("ocr failed: " + r.err.Error()), nil
		}
		return core.ExtractedOk(strings.TrimSpace(r.res.Body)), nil
	}

	if r.err != nil {
		return core.ExtractionResult{}, core.NewExternalError("pdf extraction", r.err)
	}
	text := strings.TrimSpace(r.res.Body)
	if text == "" {
		e.log.Info("docconv extracted empty text", zap.String("type", fileType))
	}
	return core.ExtractedOk(text), nil
}
