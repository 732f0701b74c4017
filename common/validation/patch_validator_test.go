package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateOperation_ConfigScope(t *testing.T) {
	v := NewPatchValidator()

	assert.NoError(t, v.ValidateOperation("replace", "/nodes/0/config/timeout"))
	assert.NoError(t, v.ValidateOperation("add", "/nodes/12/config/tool_id"))
	assert.NoError(t, v.ValidateOperation("remove", "/nodes/3/config"))
	assert.NoError(t, v.ValidateOperation("replace", "/nodes/0/config/retry/backoff"))

	assert.Error(t, v.ValidateOperation("replace", "/nodes/0/type"))
	assert.Error(t, v.ValidateOperation("remove", "/nodes/1"))
	assert.Error(t, v.ValidateOperation("add", "/nodes/-"))
	assert.Error(t, v.ValidateOperation("add", "/edges/-"))
	assert.Error(t, v.ValidateOperation("replace", "/name"))
	assert.Error(t, v.ValidateOperation("move", "/nodes/0/config/timeout"))
	assert.Error(t, v.ValidateOperation("copy", "/nodes/0/config/timeout"))
}

func TestValidateSize(t *testing.T) {
	v := NewPatchValidator()

	assert.Error(t, v.ValidateSize(0))
	assert.NoError(t, v.ValidateSize(1))
	assert.NoError(t, v.ValidateSize(MaxOpsPerPatch))
	assert.Error(t, v.ValidateSize(MaxOpsPerPatch+1))
}
