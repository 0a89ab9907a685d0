// Package webhook delivers instance jobs to an HTTP endpoint as CloudEvents.
//
// Each job is sent as a binary-mode CloudEvent whose data is the JSON job
// description. The endpoint decides the fate of the job with its response:
//
//   - 2xx: the job is done. If the response carries a CloudEvent of type
//     TypeInstanceCompleted the instance is completed.
//   - 4xx: the job is dropped (terminal failure).
//   - 5xx or no response: the job is retried with backoff.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/protocol"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/i2y/odeon"
)

// Event types.
const (
	TypeMessageJob = "io.odeon.job.message"
	TypeTimerJob   = "io.odeon.job.timer"
	TypeResumeJob  = "io.odeon.job.resume"

	// TypeInstanceCompleted is the response event type that completes the
	// instance.
	TypeInstanceCompleted = "io.odeon.instance.completed"
)

// Handler is an odeon.InstanceHandler posting jobs to a target URL.
type Handler struct {
	client    cloudevents.Client
	targetURL string
	source    string
	timeout   time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithSource sets the CloudEvents source attribute. Default: "odeon".
func WithSource(source string) Option {
	return func(h *Handler) {
		h.source = source
	}
}

// WithTimeout bounds each delivery. Default: 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// New creates a Handler sending to targetURL.
func New(targetURL string, opts ...Option) (*Handler, error) {
	if targetURL == "" {
		return nil, fmt.Errorf("webhook: target URL not configured")
	}
	h := &Handler{
		targetURL: targetURL,
		source:    "odeon",
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(targetURL))
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to create CloudEvents client: %w", err)
	}
	h.client = client
	return h, nil
}

// MessageData is the message part of JobData.
type MessageData struct {
	MexID       string `json:"mexId"`
	PartnerLink string `json:"partnerLink"`
	Operation   string `json:"operation"`
	// Payload holds a JSON message body; any other body is sent base64
	// encoded in PayloadBase64.
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 []byte          `json:"payloadBase64,omitempty"`
}

// JobData is the data of a job event.
type JobData struct {
	JobID        string       `json:"jobId"`
	Type         string       `json:"type"`
	ProcessID    string       `json:"processId"`
	InstanceID   string       `json:"instanceId"`
	ScheduledAt  time.Time    `json:"scheduledAt"`
	RetryCount   int          `json:"retryCount,omitempty"`
	Channel      string       `json:"channel,omitempty"`
	CorrelatorID string       `json:"correlatorId,omitempty"`
	RouteGroupID string       `json:"routeGroupId,omitempty"`
	RouteIndex   int          `json:"routeIndex,omitempty"`
	Message      *MessageData `json:"message,omitempty"`
}

func newJobData(job *odeon.InstanceJob) *JobData {
	d := &JobData{
		JobID:        job.JobID,
		Type:         string(job.Type),
		ProcessID:    job.ProcessID,
		InstanceID:   job.InstanceID,
		ScheduledAt:  job.ScheduledAt,
		RetryCount:   job.RetryCount,
		Channel:      job.Channel,
		CorrelatorID: job.CorrelatorID,
		RouteGroupID: job.RouteGroupID,
		RouteIndex:   job.RouteIndex,
	}
	if m := job.Message; m != nil {
		d.Message = &MessageData{MexID: m.MexID, PartnerLink: m.PartnerLink, Operation: m.Operation}
		if len(m.Payload) > 0 {
			if json.Valid(m.Payload) {
				d.Message.Payload = m.Payload
			} else {
				d.Message.PayloadBase64 = m.Payload
			}
		}
	}
	return d
}

func eventType(t odeon.JobType) string {
	switch t {
	case odeon.JobTypeMessage:
		return TypeMessageJob
	case odeon.JobTypeTimer:
		return TypeTimerJob
	default:
		return TypeResumeJob
	}
}

// OnInstanceJob sends the job and maps the response onto an outcome.
func (h *Handler) OnInstanceJob(ctx context.Context, job *odeon.InstanceJob) (odeon.Outcome, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(job.JobID)
	ce.SetType(eventType(job.Type))
	ce.SetSource(h.source)
	ce.SetSubject(job.InstanceID)
	ce.SetTime(time.Now())
	ce.SetExtension("processid", job.ProcessID)
	if err := ce.SetData(cloudevents.ApplicationJSON, newJobData(job)); err != nil {
		return odeon.InstanceWaiting, odeon.NewTerminalErrorf("encode job %s: %v", job.JobID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, result := h.client.Request(ctx, ce)

	var httpResult *cehttp.Result
	if protocol.ResultAs(result, &httpResult) {
		switch {
		case httpResult.StatusCode >= 500:
			return odeon.InstanceWaiting, fmt.Errorf("deliver job %s to %s: status %d", job.JobID, h.targetURL, httpResult.StatusCode)
		case httpResult.StatusCode >= 400:
			return odeon.InstanceWaiting, odeon.NewTerminalErrorf("job %s rejected by %s: status %d", job.JobID, h.targetURL, httpResult.StatusCode)
		}
	} else if !protocol.IsACK(result) {
		return odeon.InstanceWaiting, fmt.Errorf("deliver job %s to %s: %w", job.JobID, h.targetURL, result)
	}

	if resp != nil && resp.Type() == TypeInstanceCompleted {
		return odeon.InstanceCompleted, nil
	}
	return odeon.InstanceWaiting, nil
}
