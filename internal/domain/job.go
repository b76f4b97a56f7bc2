package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Submitted Status = "submitted"
	Pending   Status = "pending"
	Complete  Status = "complete"
	Errored   Status = "error"
)

// Media is an attachment reported by the carrier on an inbound message.
type Media struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// Job is the durable unit of work derived from one inbound event. ID is
// assigned once at submission and carried unchanged through the lifecycle.
type Job struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	From        string            `json:"from"`
	Body        string            `json:"body"`
	SID         string            `json:"sid,omitempty"`
	CallSID     string            `json:"call_sid,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Media       []Media           `json:"media,omitempty"`
	Data        map[string]any    `json:"data,omitempty"`
	Reply       string            `json:"reply,omitempty"`
	Status      Status            `json:"status"`
	SubmittedAt time.Time         `json:"submitted_at"`
	DequeuedAt  *time.Time        `json:"dequeued_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// NewJob copies an inbound event into a job. The id is left empty.
func NewJob(ev Event) *Job {
	j := &Job{
		Channel: ev.Channel,
		From:    ev.From,
		Body:    ev.Body,
		SID:     ev.SID,
		CallSID: ev.CallSID,
		Status:  Submitted,
	}
	if len(ev.Fields) > 0 {
		j.Fields = make(map[string]string, len(ev.Fields))
		for k, v := range ev.Fields {
			j.Fields[k] = v
		}
	}
	if len(ev.Media) > 0 {
		j.Media = append([]Media(nil), ev.Media...)
	}
	return j
}

// Set stores a handler or validator enrichment on the job.
func (j *Job) Set(key string, v any) {
	if j.Data == nil {
		j.Data = make(map[string]any)
	}
	j.Data[key] = v
}

func (j *Job) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeJob(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Failure is one entry of a channel's error log.
type Failure struct {
	At    time.Time       `json:"at"`
	Job   json.RawMessage `json:"job,omitempty"`
	Error string          `json:"error"`
}

// Report is the operator view of a channel's collections.
type Report struct {
	Channel  string             `json:"channel"`
	Pending  map[string]*Job    `json:"pending"`
	Complete map[string]*Job    `json:"complete"`
	Errors   map[string]Failure `json:"errors"`
}
