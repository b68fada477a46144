package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskJSON(t *testing.T) {
	in := json.RawMessage(`{"host":"db1","DB_PASSWORD":"hunter2","nested":{"apiKey":"k","list":[{"token":"t","n":1}]}}`)
	got := maskJSON(in)
	assert.JSONEq(t, `{"host":"db1","DB_PASSWORD":"[REDACTED]","nested":{"apiKey":"[REDACTED]","list":[{"token":"[REDACTED]","n":1}]}}`, string(got))

	assert.Nil(t, maskJSON(nil))
	assert.JSONEq(t, `"plain"`, string(maskJSON(json.RawMessage(`"plain"`))))
	assert.JSONEq(t, `{"error":"masking failed"}`, string(maskJSON(json.RawMessage(`{nope`))))
}
