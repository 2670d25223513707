// Package registry implements the Master Template Registry: the append-only,
// versioned log of accepted infrastructure template definitions, the
// compatibility policy enforced at mint time, and auto-assignment rule
// resolution.
package registry

import "fmt"

// IncompatibleFieldSetError reports a mint whose required-field set violates
// the compatibility policy: within a template_code the required set may only
// shrink or stay constant across versions.
type IncompatibleFieldSetError struct {
	Code         string   `json:"code"`
	TemplateCode string   `json:"templateCode"`
	NewRequired  []string `json:"newRequired"`
	Message      string   `json:"message"`
}

func (e *IncompatibleFieldSetError) Error() string { return e.Message }

func incompatible(templateCode string, added []string) *IncompatibleFieldSetError {
	return &IncompatibleFieldSetError{
		Code:         "REGISTRY_INCOMPATIBLE_FIELDS",
		TemplateCode: templateCode,
		NewRequired:  added,
		Message: fmt.Sprintf("template %s: new required fields %v not present in the prior version's required set",
			templateCode, added),
	}
}

// ChainError reports a violated registry invariant: a gap in the version
// sequence or a broken supersedes link. This is fatal; callers must alert
// and must not silently degrade.
type ChainError struct {
	Code         string `json:"code"`
	TemplateCode string `json:"templateCode"`
	Message      string `json:"message"`
}

func (e *ChainError) Error() string { return e.Message }

func chainErr(templateCode, format string, args ...any) *ChainError {
	return &ChainError{
		Code:         "REGISTRY_CHAIN_BROKEN",
		TemplateCode: templateCode,
		Message:      fmt.Sprintf("template %s: %s", templateCode, fmt.Sprintf(format, args...)),
	}
}
