package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Melody/internal/fetcher"
)

// Job is a request to ingest a single source in to the catalog. It is the
// payload carried by the queue; nothing about it is persisted beyond the
// queue and the job status record.
type Job struct {
	ID          uuid.UUID `json:"id"`
	SourceURL   string    `json:"source_url" validate:"required,notblank,url"`
	Title       string    `json:"title" validate:"required,notblank,max=256"`
	Artist      string    `json:"artist" validate:"required,notblank,max=128"`
	SubmittedBy string    `json:"submitted_by" validate:"required,notblank,max=64"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewValidator returns a validator which understands the
// tags used on Job.
func NewValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	return validate
}

// Validate ensures every required field of the job is present and that the
// source URL is one we know how to fetch. The source ID is returned on success.
// All failures are InputError troubles.
func (job *Job) Validate(validate *validator.Validate) (string, error) {
	if err := validate.Struct(job); err != nil {
		return "", newInputTrouble(fmt.Errorf("job is invalid: %w", err))
	}

	sourceID, err := fetcher.ExtractSourceID(job.SourceURL)
	if err != nil {
		return "", newInputTrouble(err)
	}

	return sourceID, nil
}

func decodeJob(payload []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, newInputTrouble(fmt.Errorf("job payload is not valid JSON: %w", err))
	}

	return &job, nil
}

func (job *Job) String() string {
	return fmt.Sprintf("{id=%s source=%s}", job.ID, job.SourceURL)
}
