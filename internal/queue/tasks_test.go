package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
)

func TestConvertTaskCarriesTransforms(t *testing.T) {
	payload := ConvertPayload{
		JobID:      "job-123",
		SourceType: domain.SourceTypeS3Presigned,
		Policy:     domain.DefaultResizePolicy(),
		Quality:    0.8,
		Images: []domain.ImageSpec{
			{
				ID:        "photo",
				ObjectKey: "uploads/job-123/photo/source",
				Transform: domain.ImageTransform{Rotation: 270, FlipVertical: true, BackgroundFill: domain.FillWhite},
			},
		},
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewConvertTask(payload)
	if err != nil {
		t.Fatalf("new task returned error: %v", err)
	}
	if task.Type() != TypeConvertImages {
		t.Fatalf("expected task type %s, got %s", TypeConvertImages, task.Type())
	}

	parsed, err := ParseConvertPayload(task)
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job id %s, got %s", payload.JobID, parsed.JobID)
	}
	if parsed.Images[0].Transform != payload.Images[0].Transform {
		t.Fatalf("expected transform %+v, got %+v", payload.Images[0].Transform, parsed.Images[0].Transform)
	}
	if parsed.Policy != payload.Policy {
		t.Fatalf("expected policy %+v, got %+v", payload.Policy, parsed.Policy)
	}
}

func TestTaskIDSeparatesRetryPasses(t *testing.T) {
	first := ConvertPayload{JobID: "job-9", RequestedAt: time.Unix(10, 0)}
	if got := TaskID(first); got != "convert:job-9" {
		t.Fatalf("expected first pass id convert:job-9, got %s", got)
	}

	retry := ConvertPayload{JobID: "job-9", Retry: true, RequestedAt: time.Unix(20, 0)}
	again := ConvertPayload{JobID: "job-9", Retry: true, RequestedAt: time.Unix(30, 0)}
	if TaskID(first) == TaskID(retry) || TaskID(retry) == TaskID(again) {
		t.Fatalf("expected distinct pass ids, got %s %s %s", TaskID(first), TaskID(retry), TaskID(again))
	}
}
