package model

import "encoding/json"

// OutputRef locates one produced artifact by storage key and/or direct URL.
// Unknown extra fields on the wire are tolerated.
type OutputRef struct {
	Key string `json:"key,omitempty"`
	URL string `json:"url,omitempty"`
}

// Empty reports whether the ref carries neither a key nor a URL.
func (r OutputRef) Empty() bool {
	return r.Key == "" && r.URL == ""
}

// CallbackPayload is the v2 webhook body a fleet worker posts on completion.
// The legacy flat output fields are kept on the struct only so the validator
// can reject payloads that still carry them.
type CallbackPayload struct {
	SchemaVersion int                  `json:"schemaVersion"`
	JobID         string               `json:"jobId"`
	MediaID       string               `json:"mediaId"`
	Status        string               `json:"status"`
	Engine        string               `json:"engine"`
	Purpose       string               `json:"purpose"`
	Error         string               `json:"error,omitempty"`
	EventID       string               `json:"eventId"`
	EventSeq      int64                `json:"eventSeq"`
	EventTs       json.Number          `json:"eventTs"`
	DurationMs    int64                `json:"durationMs,omitempty"`
	Metadata      JSONMap              `json:"metadata,omitempty"`
	Outputs       map[string]OutputRef `json:"outputs,omitempty"`

	// Forbidden v1 leftovers.
	OutputKey         string `json:"outputKey,omitempty"`
	OutputURL         string `json:"outputUrl,omitempty"`
	OutputAudioKey    string `json:"outputAudioKey,omitempty"`
	OutputMetadataKey string `json:"outputMetadataKey,omitempty"`
}

// IsProxyCheck reports whether the payload is a system proxy-check callback,
// which bypasses the outputs rule.
func (p *CallbackPayload) IsProxyCheck() bool {
	raw, ok := p.Metadata["kind"]
	if !ok {
		return false
	}
	var kind string
	if err := json.Unmarshal(raw, &kind); err != nil {
		return false
	}
	return kind == "proxy-check"
}

// JobStatusReport is the orchestrator's answer to a status poll. Progress is
// a 0..1 fraction on the wire.
type JobStatusReport struct {
	Status    string               `json:"status"`
	Progress  *float64             `json:"progress,omitempty"`
	Message   string               `json:"message,omitempty"`
	Phase     string               `json:"phase,omitempty"`
	Outputs   map[string]OutputRef `json:"outputs,omitempty"`
	OutputKey string               `json:"outputKey,omitempty"` // legacy fleets still send this
}
