package callback

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/clipforge/api/internal/model"
)

func validPayload() *model.CallbackPayload {
	return &model.CallbackPayload{
		SchemaVersion: 2,
		JobID:         "job-1",
		MediaID:       "media-1",
		Status:        "completed",
		Engine:        "whisper",
		Purpose:       "transcription",
		EventID:       "evt-1",
		EventSeq:      3,
		EventTs:       json.Number("1756400000"),
		Outputs: map[string]model.OutputRef{
			"vtt": {Key: "subs/job-1/en.vtt"},
		},
	}
}

func TestValidate_AcceptsCompletedWithOutput(t *testing.T) {
	if err := Validate(validPayload()); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidate_AcceptsFailedWithoutOutputs(t *testing.T) {
	p := validPayload()
	p.Status = "failed"
	p.Error = "download timed out"
	p.Outputs = nil
	if err := Validate(p); err != nil {
		t.Fatalf("failed callbacks need no outputs, got %v", err)
	}
}

func TestValidate_AcceptsOutputURLOnly(t *testing.T) {
	p := validPayload()
	p.Outputs = map[string]model.OutputRef{
		"video": {URL: "https://storage.example.com/videos/job-1.mp4"},
	}
	if err := Validate(p); err != nil {
		t.Fatalf("url-only output should satisfy the rule, got %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *model.CallbackPayload)
		want   string
	}{
		{
			name:   "old schema version",
			mutate: func(p *model.CallbackPayload) { p.SchemaVersion = 1 },
			want:   "schemaVersion",
		},
		{
			name:   "missing job id",
			mutate: func(p *model.CallbackPayload) { p.JobID = "" },
			want:   "jobId",
		},
		{
			name:   "non-terminal status",
			mutate: func(p *model.CallbackPayload) { p.Status = "running" },
			want:   "status",
		},
		{
			name:   "unknown status",
			mutate: func(p *model.CallbackPayload) { p.Status = "finished" },
			want:   "status",
		},
		{
			name:   "missing event id",
			mutate: func(p *model.CallbackPayload) { p.EventID = "" },
			want:   "eventId",
		},
		{
			name:   "zero event seq",
			mutate: func(p *model.CallbackPayload) { p.EventSeq = 0 },
			want:   "eventSeq",
		},
		{
			name:   "negative event seq",
			mutate: func(p *model.CallbackPayload) { p.EventSeq = -4 },
			want:   "eventSeq",
		},
		{
			name:   "missing event ts",
			mutate: func(p *model.CallbackPayload) { p.EventTs = "" },
			want:   "eventTs",
		},
		{
			name:   "non-numeric event ts",
			mutate: func(p *model.CallbackPayload) { p.EventTs = json.Number("yesterday") },
			want:   "eventTs",
		},
		{
			name:   "missing media id",
			mutate: func(p *model.CallbackPayload) { p.MediaID = "" },
			want:   "mediaId",
		},
		{
			name:   "placeholder media id",
			mutate: func(p *model.CallbackPayload) { p.MediaID = "unknown" },
			want:   "mediaId",
		},
		{
			name:   "missing engine",
			mutate: func(p *model.CallbackPayload) { p.Engine = "" },
			want:   "engine",
		},
		{
			name:   "missing purpose",
			mutate: func(p *model.CallbackPayload) { p.Purpose = "" },
			want:   "purpose",
		},
		{
			name:   "legacy outputKey",
			mutate: func(p *model.CallbackPayload) { p.OutputKey = "legacy/key.mp4" },
			want:   "outputKey",
		},
		{
			name:   "legacy outputUrl",
			mutate: func(p *model.CallbackPayload) { p.OutputURL = "https://old.example.com/v.mp4" },
			want:   "outputUrl",
		},
		{
			name:   "completed without outputs",
			mutate: func(p *model.CallbackPayload) { p.Outputs = nil },
			want:   "output",
		},
		{
			name: "completed with only empty refs",
			mutate: func(p *model.CallbackPayload) {
				p.Outputs = map[string]model.OutputRef{"vtt": {}}
			},
			want: "output",
		},
		{
			name: "completed with only unknown slots",
			mutate: func(p *model.CallbackPayload) {
				p.Outputs = map[string]model.OutputRef{"thumbnail": {Key: "thumbs/1.jpg"}}
			},
			want: "output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(p)

			err := Validate(p)
			if err == nil {
				t.Fatal("expected rejection, got nil")
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if !strings.Contains(strings.Join(verr.Issues, "; "), tt.want) {
				t.Errorf("issues %v do not mention %q", verr.Issues, tt.want)
			}
		})
	}
}

func TestValidate_EnumeratesAllIssues(t *testing.T) {
	p := validPayload()
	p.JobID = ""
	p.Status = "running"
	p.EventSeq = 0

	err := Validate(p)
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Issues) != 3 {
		t.Errorf("expected 3 issues, got %d: %v", len(verr.Issues), verr.Issues)
	}
}

func TestValidate_ProxyCheckSkipsOutputRule(t *testing.T) {
	kind, _ := json.Marshal("proxy-check")
	p := validPayload()
	p.Outputs = nil
	p.MediaID = ""
	p.Engine = ""
	p.Purpose = ""
	p.Metadata = model.JSONMap{"kind": kind}

	if err := Validate(p); err != nil {
		t.Fatalf("proxy-check should bypass v2-only rules, got %v", err)
	}
}

func TestValidate_ProxyCheckStillNeedsCommonFields(t *testing.T) {
	kind, _ := json.Marshal("proxy-check")
	p := validPayload()
	p.Metadata = model.JSONMap{"kind": kind}
	p.JobID = ""

	if err := Validate(p); err == nil {
		t.Fatal("proxy-check without jobId should be rejected")
	}
}
