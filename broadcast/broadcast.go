// Package broadcast drives the lifecycle of a remote broadcast job for the conference session:
// load meeting details and endpoints, start the job, poll it until it runs, fails or times out,
// and stop it. The current job id lives in session state so a restart can resume polling.
package broadcast

import "context"

// Remote job statuses the poll loop acts on. Anything else is treated as still pending.
const (
	StatusRunning = "running"
	StatusFailed  = "failed"
)

// MeetingDetails are the conference credentials the broadcaster needs to join.
type MeetingDetails struct {
	MeetingID   string `json:"meeting_id"`
	ModeratorPW string `json:"moderator_pw"`
}

// StreamEndpoint is an RTMP destination.
type StreamEndpoint struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	RTMPURL   string `json:"rtmp_url"`
	StreamKey string `json:"stream_key"`
}

// StartRequest is the body of a start call.
type StartRequest struct {
	MeetingID string `json:"meeting_id"`
	RTMPURL   string `json:"rtmp_url"`
	StreamKey string `json:"stream_key"`
	Password  string `json:"password"`
	Platform  string `json:"platform"`
}

// Job is the broadcaster's record of a started job.
type Job struct {
	StreamID  string `json:"stream_id"`
	PodName   string `json:"pod_name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// StreamTarget is one RTMP output of a job.
type StreamTarget struct {
	Platform  string `json:"platform"`
	RTMPURL   string `json:"rtmp_url"`
	StreamKey string `json:"stream_key"`
}

// JobStatus is the polled state of a job.
type JobStatus struct {
	StreamID          string         `json:"stream_id"`
	Status            string         `json:"status"`
	PodName           string         `json:"pod_name,omitempty"`
	CreatedAt         string         `json:"created_at,omitempty"`
	BBBHealthCheckURL string         `json:"bbb_health_check_url,omitempty"`
	BBBServerURL      string         `json:"bbb_server_url,omitempty"`
	Streams           []StreamTarget `json:"streams,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// StopResult is the broadcaster's reply to a stop call.
type StopResult struct {
	Message  string `json:"message"`
	StreamID string `json:"stream_id"`
	Status   string `json:"status,omitempty"`
}

// JobControl starts, inspects and stops remote broadcast jobs.
type JobControl interface {
	StartJob(ctx context.Context, req StartRequest) (Job, error)
	GetJobStatus(ctx context.Context, streamID string) (JobStatus, error)
	StopJob(ctx context.Context, streamID string) (StopResult, error)
}

// Catalog supplies what a start needs.
type Catalog interface {
	MeetingDetails(ctx context.Context, meetingID string) (MeetingDetails, error)
	StreamEndpoints(ctx context.Context) ([]StreamEndpoint, error)
}
