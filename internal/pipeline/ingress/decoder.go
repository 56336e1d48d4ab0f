// Package ingress turns Kafka records into pipeline operations. Payloads are
// validated against embedded JSON schemas before they reach the orchestrator.
package ingress

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"backcheck/internal/pipeline"
)

var (
	//go:embed schemas/check_request.json
	checkRequestSchema string
	//go:embed schemas/document_batch.json
	documentBatchSchema string
)

// ErrInvalidPayload marks records that can never be processed.
var ErrInvalidPayload = errors.New("invalid payload")

// ValidationError lists every schema violation found in a payload.
type ValidationError struct {
	Schema   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

// Decoder validates and decodes ingress payloads.
type Decoder struct {
	checkRequest  *gojsonschema.Schema
	documentBatch *gojsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	cr, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(checkRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("load check request schema: %w", err)
	}
	db, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentBatchSchema))
	if err != nil {
		return nil, fmt.Errorf("load document batch schema: %w", err)
	}
	return &Decoder{checkRequest: cr, documentBatch: db}, nil
}

func (d *Decoder) CheckRequest(data []byte) (pipeline.CheckRequest, error) {
	var req pipeline.CheckRequest
	if err := decode(d.checkRequest, "check request", data, &req); err != nil {
		return pipeline.CheckRequest{}, err
	}
	return req, nil
}

func (d *Decoder) DocumentBatch(data []byte) (pipeline.DocumentBatch, error) {
	var batch pipeline.DocumentBatch
	if err := decode(d.documentBatch, "document batch", data, &batch); err != nil {
		return pipeline.DocumentBatch{}, err
	}
	return batch, nil
}

func decode(schema *gojsonschema.Schema, name string, data []byte, out any) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		// malformed JSON surfaces here rather than as a result error
		return &ValidationError{Schema: name, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &ValidationError{Schema: name, Problems: problems}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ValidationError{Schema: name, Problems: []string{err.Error()}}
	}
	return nil
}
