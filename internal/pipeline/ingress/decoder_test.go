package ingress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backcheck/internal/check"
	"backcheck/internal/pipeline/ingress"
)

func TestDecoder_CheckRequest(t *testing.T) {
	d, err := ingress.NewDecoder()
	require.NoError(t, err)

	t.Run("valid request decodes", func(t *testing.T) {
		req, err := d.CheckRequest([]byte(`{
			"id": "chk-1",
			"check_type": "STANDARD",
			"candidate_ref": "cand-1",
			"organization_ref": "org-1",
			"required_components": ["identity", "employment"]
		}`))
		require.NoError(t, err)
		assert.Equal(t, "chk-1", req.ID)
		assert.Equal(t, check.CheckTypeStandard, req.CheckType)
		assert.Equal(t, []check.ComponentKind{check.ComponentIdentity, check.ComponentEmployment}, req.RequiredComponents)
	})

	tests := []struct {
		name    string
		payload string
	}{
		{name: "unknown check type", payload: `{"check_type":"PLATINUM","candidate_ref":"c","organization_ref":"o"}`},
		{name: "unknown component", payload: `{"check_type":"BASIC","candidate_ref":"c","organization_ref":"o","required_components":["credit"]}`},
		{name: "missing candidate", payload: `{"check_type":"BASIC","organization_ref":"o"}`},
		{name: "empty organization", payload: `{"check_type":"BASIC","candidate_ref":"c","organization_ref":""}`},
		{name: "unexpected field", payload: `{"check_type":"BASIC","candidate_ref":"c","organization_ref":"o","score":1}`},
		{name: "malformed json", payload: `{"check_type":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CheckRequest([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ingress.ErrInvalidPayload)
			assert.True(t, ingress.Poison(err))

			var verr *ingress.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "check request", verr.Schema)
			assert.NotEmpty(t, verr.Problems)
		})
	}
}

func TestDecoder_DocumentBatch(t *testing.T) {
	d, err := ingress.NewDecoder()
	require.NoError(t, err)

	batch, err := d.DocumentBatch([]byte(`{"check_id":"chk-1","component_kind":"criminal","document_refs":["doc-1","doc-2"]}`))
	require.NoError(t, err)
	assert.Equal(t, "chk-1", batch.CheckID)
	assert.Equal(t, check.ComponentCriminal, batch.ComponentKind)
	assert.Equal(t, []string{"doc-1", "doc-2"}, batch.DocumentRefs)

	_, err = d.DocumentBatch([]byte(`{"check_id":"chk-1","component_kind":"IDENTITY","document_refs":["doc-1"]}`))
	assert.ErrorIs(t, err, ingress.ErrInvalidPayload, "enum values are case sensitive")

	_, err = d.DocumentBatch([]byte(`{"check_id":"chk-1","component_kind":"identity","document_refs":[]}`))
	assert.ErrorIs(t, err, ingress.ErrInvalidPayload)
}
