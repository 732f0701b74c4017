package validation

import (
	"fmt"
	"regexp"
)

// Repair patches may only touch node config. The path shape is enforced
// here before the patch is ever applied; the topology diff after apply is
// a second, independent guard.
var configPathPattern = regexp.MustCompile(`^/nodes/\d+/config(/[^/]+)*$`)

var allowedOps = map[string]bool{
	"add":     true,
	"replace": true,
	"remove":  true,
}

// MaxOpsPerPatch bounds a single repair patch
const MaxOpsPerPatch = 10

// PatchValidator validates repair patch operations against the
// config-only scope
type PatchValidator struct{}

// NewPatchValidator creates a patch validator
func NewPatchValidator() *PatchValidator {
	return &PatchValidator{}
}

// ValidateOperation checks a single op and path
func (v *PatchValidator) ValidateOperation(op, path string) error {
	if !allowedOps[op] {
		return fmt.Errorf("patch op %q is not allowed", op)
	}
	if !configPathPattern.MatchString(path) {
		return fmt.Errorf("patch path %q is outside node config scope", path)
	}
	return nil
}

// ValidateSize bounds the operation count of a patch
func (v *PatchValidator) ValidateSize(n int) error {
	if n == 0 {
		return fmt.Errorf("patch has no operations")
	}
	if n > MaxOpsPerPatch {
		return fmt.Errorf("patch has %d operations, limit is %d", n, MaxOpsPerPatch)
	}
	return nil
}
