// Package callback validates orchestrator webhook payloads before any state
// is touched. Validation is pure: callers reject invalid payloads with 4xx
// and never reach storage.
package callback

import (
	"fmt"
	"strings"

	"github.com/clipforge/api/internal/model"
)

// MinSchemaVersion is the oldest callback contract the service accepts.
const MinSchemaVersion = 2

var terminalStatuses = map[string]bool{
	string(model.TaskStatusCompleted): true,
	string(model.TaskStatusFailed):    true,
	string(model.TaskStatusCanceled):  true,
}

var knownSlots = func() map[string]bool {
	m := make(map[string]bool, len(model.KnownOutputSlots))
	for _, slot := range model.KnownOutputSlots {
		m[slot] = true
	}
	return m
}()

// ValidationError enumerates every problem found in a payload, not just the
// first, so a misbehaving fleet build can be diagnosed from one rejection.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid callback payload: %s", strings.Join(e.Issues, "; "))
}

// Validate checks the payload against the v2 contract, or against the
// lightweight proxy-check contract when metadata.kind is "proxy-check".
// Returns nil when the payload is acceptable.
func Validate(p *model.CallbackPayload) error {
	if p.IsProxyCheck() {
		return validateProxyCheck(p)
	}
	return validateV2(p)
}

func validateV2(p *model.CallbackPayload) error {
	issues := commonIssues(p)

	if p.MediaID == "" {
		issues = append(issues, "mediaId is required")
	} else if p.MediaID == "unknown" {
		issues = append(issues, `mediaId "unknown" is not an identifier`)
	}
	if p.Engine == "" {
		issues = append(issues, "engine is required")
	}
	if p.Purpose == "" {
		issues = append(issues, "purpose is required")
	}

	// v1 flat output fields are forbidden on v2 payloads.
	for field, value := range map[string]string{
		"outputKey":         p.OutputKey,
		"outputUrl":         p.OutputURL,
		"outputAudioKey":    p.OutputAudioKey,
		"outputMetadataKey": p.OutputMetadataKey,
	} {
		if value != "" {
			issues = append(issues, fmt.Sprintf("legacy field %s is not allowed on schemaVersion >= 2", field))
		}
	}

	if p.Status == string(model.TaskStatusCompleted) && !hasUsableOutput(p.Outputs) {
		issues = append(issues, "completed callback must carry at least one output key or url")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// validateProxyCheck accepts system proxy-check callbacks, which carry no
// outputs.
func validateProxyCheck(p *model.CallbackPayload) error {
	issues := commonIssues(p)
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func commonIssues(p *model.CallbackPayload) []string {
	var issues []string

	if p.SchemaVersion < MinSchemaVersion {
		issues = append(issues, fmt.Sprintf("schemaVersion must be >= %d, got %d", MinSchemaVersion, p.SchemaVersion))
	}
	if p.JobID == "" {
		issues = append(issues, "jobId is required")
	}
	if !terminalStatuses[p.Status] {
		issues = append(issues, fmt.Sprintf("status must be one of completed/failed/canceled, got %q", p.Status))
	}
	if p.EventID == "" {
		issues = append(issues, "eventId is required")
	}
	if p.EventSeq < 1 {
		issues = append(issues, fmt.Sprintf("eventSeq must be a positive integer, got %d", p.EventSeq))
	}
	if p.EventTs == "" {
		issues = append(issues, "eventTs is required")
	} else if _, err := p.EventTs.Float64(); err != nil {
		issues = append(issues, fmt.Sprintf("eventTs must be numeric, got %q", p.EventTs))
	}
	return issues
}

// hasUsableOutput reports whether any known output slot carries a key or
// url. Unknown slot names are tolerated but never satisfy the rule.
func hasUsableOutput(outputs map[string]model.OutputRef) bool {
	for slot, ref := range outputs {
		if knownSlots[slot] && !ref.Empty() {
			return true
		}
	}
	return false
}
