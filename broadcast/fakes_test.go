package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/stream-relay/kv"
	"github.com/onnwee/stream-relay/session"
)

type statusReply struct {
	status JobStatus
	err    error
}

// fakeJobs replays scripted status replies; once the script is exhausted the last reply repeats.
type fakeJobs struct {
	mu        sync.Mutex
	startReq  []StartRequest
	startJob  Job
	startErr  error
	replies   []statusReply
	statusIDs []string
	stopIDs   []string
	stopErr   error
}

func (f *fakeJobs) StartJob(_ context.Context, req StartRequest) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startReq = append(f.startReq, req)
	return f.startJob, f.startErr
}

func (f *fakeJobs) GetJobStatus(ctx context.Context, id string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusIDs = append(f.statusIDs, id)
	if len(f.replies) == 0 {
		return JobStatus{StreamID: id, Status: "pending"}, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r.status, r.err
}

func (f *fakeJobs) StopJob(_ context.Context, id string) (StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopIDs = append(f.stopIDs, id)
	if f.stopErr != nil {
		return StopResult{}, f.stopErr
	}
	return StopResult{Message: "stopped", StreamID: id, Status: "stopped"}, nil
}

func (f *fakeJobs) statusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statusIDs)
}

func (f *fakeJobs) stopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopIDs)
}

func pending() statusReply { return statusReply{status: JobStatus{Status: "pending"}} }

type fakeCatalog struct {
	details    MeetingDetails
	detailsErr error
	endpoints  []StreamEndpoint
	epErr      error
}

func (f *fakeCatalog) MeetingDetails(context.Context, string) (MeetingDetails, error) {
	return f.details, f.detailsErr
}

func (f *fakeCatalog) StreamEndpoints(context.Context) ([]StreamEndpoint, error) {
	return f.endpoints, f.epErr
}

var (
	testDetails  = &MeetingDetails{MeetingID: "meeting-1", ModeratorPW: "mod-pw"}
	testEndpoint = &StreamEndpoint{ID: "ep-1", Title: "Twitch", RTMPURL: "rtmp://live.twitch.tv/app", StreamKey: "key-1"}
)

func newTestController(t *testing.T, jobs *fakeJobs, catalog Catalog) (*Controller, *session.State, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	state := session.New("meeting-1", "b-1", kv.NewMemory(), 1000)
	c := NewController(jobs, catalog, state, WithClock(fc))
	t.Cleanup(c.Close)
	return c, state, fc
}

// drive advances the fake clock by one poll interval each time the loop waits, until task exits.
func drive(t *testing.T, fc *clockwork.FakeClock, task *PollTask) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
		}
		cancel()
	}()
	for {
		if err := fc.BlockUntilContext(ctx, 1); err != nil {
			break
		}
		fc.Advance(DefaultPollInterval)
	}
	select {
	case <-task.Done():
	default:
		require.FailNow(t, "poll task did not finish")
	}
}

func currentTask(c *Controller) *PollTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}
