package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeConvertImages = "image:convert"

// ConvertPayload carries a whole batch. Retry is set when only the images
// that failed on an earlier pass are resubmitted.
type ConvertPayload struct {
	JobID       string              `json:"job_id"`
	SourceType  string              `json:"source_type"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	Policy      domain.ResizePolicy `json:"policy"`
	Quality     float64             `json:"quality"`
	Images      []domain.ImageSpec  `json:"images"`
	Retry       bool                `json:"retry,omitempty"`
	RequestedAt time.Time           `json:"requested_at"`
}

func NewConvertTask(payload ConvertPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertImages, body), nil
}

func ParseConvertPayload(task *asynq.Task) (ConvertPayload, error) {
	var payload ConvertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertPayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	return payload, nil
}
