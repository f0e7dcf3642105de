package broadcast

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartHappyPath(t *testing.T) {
	jobs := &fakeJobs{
		startJob: Job{StreamID: "s-1", Status: "pending"},
		replies: []statusReply{
			pending(),
			pending(),
			{status: JobStatus{StreamID: "s-1", Status: "running", PodName: "pod-a"}},
		},
	}
	c, state, fc := newTestController(t, jobs, nil)

	job, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)
	assert.Equal(t, "s-1", job.StreamID)
	assert.Equal(t, []StartRequest{{
		MeetingID: "meeting-1",
		RTMPURL:   "rtmp://live.twitch.tv/app",
		StreamKey: "key-1",
		Password:  "mod-pw",
		Platform:  "Twitch",
	}}, jobs.startReq)

	task := currentTask(c)
	require.NotNil(t, task)
	drive(t, fc, task)
	require.NoError(t, task.Wait())

	assert.Equal(t, 3, jobs.statusCalls())
	st := c.Status()
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.Equal(t, "Stream running (pod: pod-a)", st.Message)
	assert.Equal(t, "pod-a", st.PodName)
	assert.Equal(t, 3, st.Attempts)
	assert.False(t, st.Polling)

	id, status := state.CurrentStream()
	assert.Equal(t, "s-1", id)
	assert.Equal(t, "running", status)
}

func TestStartMessageBeforePoll(t *testing.T) {
	jobs := &fakeJobs{startJob: Job{StreamID: "s-9"}, replies: []statusReply{{err: errors.New("down")}}}
	c, _, _ := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)
	assert.Contains(t, []string{"Broadcast started (stream_id: s-9)", MsgPollError}, c.Status().Message)
}

func TestPollTimeout(t *testing.T) {
	jobs := &fakeJobs{startJob: Job{StreamID: "s-1"}}
	c, _, fc := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)

	task := currentTask(c)
	drive(t, fc, task)

	var timeout *TimeoutError
	require.ErrorAs(t, task.Wait(), &timeout)
	assert.Equal(t, DefaultMaxAttempts, timeout.Attempts)
	assert.Equal(t, DefaultMaxAttempts, jobs.statusCalls())
	st := c.Status()
	assert.Equal(t, PhaseTimedOut, st.Phase)
	assert.Equal(t, MsgTimeout, st.Message)

	fc.Advance(10 * DefaultPollInterval)
	assert.Equal(t, DefaultMaxAttempts, jobs.statusCalls(), "no calls after the budget is spent")
}

func TestPollRemoteFailure(t *testing.T) {
	tests := []struct {
		name    string
		errText string
		want    string
	}{
		{"with reason", "encoder crashed", "Stream failed: encoder crashed"},
		{"without reason", "", "Stream failed: unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{
				startJob: Job{StreamID: "s-1"},
				replies:  []statusReply{{status: JobStatus{Status: "failed", Error: tt.errText}}},
			}
			c, _, fc := newTestController(t, jobs, nil)
			_, err := c.Start(context.Background(), testDetails, testEndpoint)
			require.NoError(t, err)
			task := currentTask(c)
			drive(t, fc, task)

			var remote *RemoteJobError
			require.ErrorAs(t, task.Wait(), &remote)
			assert.Equal(t, PhaseFailed, c.Status().Phase)
			assert.Equal(t, tt.want, c.Status().Message)
			assert.Equal(t, 1, jobs.statusCalls())
		})
	}
}

func TestPollTransportErrorsContinue(t *testing.T) {
	jobs := &fakeJobs{
		startJob: Job{StreamID: "s-1"},
		replies: []statusReply{
			{err: &TransportError{Op: "get status", StatusCode: 502}},
			{err: &TransportError{Op: "get status", Err: errors.New("connection refused")}},
			{status: JobStatus{Status: "running", PodName: "pod-b"}},
		},
	}
	c, _, fc := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)
	task := currentTask(c)
	drive(t, fc, task)

	require.NoError(t, task.Wait())
	assert.Equal(t, 3, jobs.statusCalls())
	assert.Equal(t, PhaseRunning, c.Status().Phase)
	assert.Empty(t, c.Status().Error)
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name     string
		details  *MeetingDetails
		endpoint *StreamEndpoint
		want     string
	}{
		{"no endpoint", testDetails, nil, MsgSelectEndpoint},
		{"no details", nil, testEndpoint, MsgNoDetails},
		{"neither", nil, nil, MsgSelectEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{startJob: Job{StreamID: "s"}}
			c, state, _ := newTestController(t, jobs, nil)
			_, err := c.Start(context.Background(), tt.details, tt.endpoint)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.want, ve.Reason)
			assert.Equal(t, tt.want, c.Status().Message)
			assert.Equal(t, PhaseIdle, c.Status().Phase)
			assert.Empty(t, jobs.startReq)
			id, _ := state.CurrentStream()
			assert.Empty(t, id)
		})
	}
}

func TestSecondStartRefused(t *testing.T) {
	jobs := &fakeJobs{startJob: Job{StreamID: "s-1"}}
	c, _, _ := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)

	_, err = c.Start(context.Background(), testDetails, testEndpoint)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, MsgAlreadyActive, ve.Reason)
	assert.Len(t, jobs.startReq, 1)
}

func TestStartFailure(t *testing.T) {
	jobs := &fakeJobs{startErr: &TransportError{Op: "start job", StatusCode: 500}}
	c, state, _ := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	st := c.Status()
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, MsgStartError, st.Message)
	assert.Nil(t, currentTask(c))
	id, _ := state.CurrentStream()
	assert.Empty(t, id)
}

func TestStartWithoutStreamID(t *testing.T) {
	c, _, _ := newTestController(t, &fakeJobs{}, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	assert.Equal(t, ClassTransport, Classify(err))
}

func TestStop(t *testing.T) {
	jobs := &fakeJobs{startJob: Job{StreamID: "s-1"}}
	c, state, _ := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)
	task := currentTask(c)

	msg, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MsgStopped, msg)
	assert.ErrorIs(t, task.Wait(), context.Canceled)
	assert.Equal(t, []string{"s-1"}, jobs.stopIDs)
	assert.Equal(t, PhaseStopped, c.Status().Phase)

	id, status := state.CurrentStream()
	assert.Empty(t, id)
	assert.Empty(t, status)
	_, ok, err := state.Store().Get(context.Background(), "current_stream_id")
	require.NoError(t, err)
	assert.False(t, ok)

	msg, err = c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MsgNoActive, msg)
	assert.Equal(t, 1, jobs.stopCalls(), "second stop makes no call")
}

func TestStopFailureKeepsPointer(t *testing.T) {
	jobs := &fakeJobs{startJob: Job{StreamID: "s-1"}, stopErr: &TransportError{Op: "stop job", StatusCode: 503}}
	c, state, _ := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)
	task := currentTask(c)

	msg, err := c.Stop(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, MsgStopError, msg)
	id, _ := state.CurrentStream()
	assert.Equal(t, "s-1", id)

	// Polling carries on so the reported phase stays true.
	st := c.Status()
	assert.Equal(t, PhasePolling, st.Phase)
	assert.True(t, st.Polling)
	assert.Equal(t, "s-1", st.StreamID)
	assert.Same(t, task, currentTask(c))
	select {
	case <-task.Done():
		t.Fatal("poll task cancelled by a failed stop")
	default:
	}

	// A retry that succeeds cancels the poll and clears the pointer.
	jobs.mu.Lock()
	jobs.stopErr = nil
	jobs.mu.Unlock()
	msg, err = c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MsgStopped, msg)
	assert.ErrorIs(t, task.Wait(), context.Canceled)
	assert.False(t, c.Status().Polling)
	id, _ = state.CurrentStream()
	assert.Empty(t, id)
}

func TestResume(t *testing.T) {
	jobs := &fakeJobs{replies: []statusReply{{status: JobStatus{Status: "running", PodName: "pod-r"}}}}
	c, state, fc := newTestController(t, jobs, nil)

	assert.False(t, c.Resume(context.Background()), "nothing persisted")

	require.NoError(t, state.SetCurrentStream(context.Background(), "persisted-1", "pending"))
	require.True(t, c.Resume(context.Background()))
	task := currentTask(c)
	drive(t, fc, task)
	require.NoError(t, task.Wait())

	assert.Equal(t, []string{"persisted-1"}, jobs.statusIDs)
	assert.Equal(t, PhaseRunning, c.Status().Phase)
}

func TestResumeSkipsWhilePolling(t *testing.T) {
	jobs := &fakeJobs{startJob: Job{StreamID: "s-1"}}
	c, _, _ := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)
	assert.False(t, c.Resume(context.Background()))
}

func TestPollReplacesPreviousTask(t *testing.T) {
	jobs := &fakeJobs{}
	c, _, _ := newTestController(t, jobs, nil)
	first := c.Poll("a")
	second := c.Poll("b")

	assert.ErrorIs(t, first.Wait(), context.Canceled)
	assert.False(t, second.finished())
	assert.Same(t, second, currentTask(c))
	second.Cancel()
	assert.ErrorIs(t, second.Wait(), context.Canceled)
}

func TestCloseCancelsPoll(t *testing.T) {
	jobs := &fakeJobs{startJob: Job{StreamID: "s-1"}}
	c, _, _ := newTestController(t, jobs, nil)
	_, err := c.Start(context.Background(), testDetails, testEndpoint)
	require.NoError(t, err)
	task := currentTask(c)
	c.Close()
	assert.ErrorIs(t, task.Wait(), context.Canceled)
}

func TestLoadStreamData(t *testing.T) {
	catalog := &fakeCatalog{
		details: MeetingDetails{MeetingID: "meeting-1", ModeratorPW: "pw"},
		endpoints: []StreamEndpoint{
			{ID: "ep-1", Title: "Twitch", RTMPURL: "rtmp://a", StreamKey: "k1"},
			{ID: "ep-2", Title: "YouTube", RTMPURL: "rtmp://b", StreamKey: "k2"},
		},
	}
	jobs := &fakeJobs{startJob: Job{StreamID: "s-1"}}
	c, _, _ := newTestController(t, jobs, catalog)

	require.NoError(t, c.LoadStreamData(context.Background(), "meeting-1"))
	st := c.Status()
	assert.Equal(t, MsgLoaded, st.Message)
	assert.True(t, st.MeetingLoaded)
	assert.Equal(t, "ep-1", st.SelectedEndpointID)
	assert.Equal(t, []EndpointSummary{{ID: "ep-1", Title: "Twitch"}, {ID: "ep-2", Title: "YouTube"}}, st.Endpoints)

	require.NoError(t, c.Select("ep-2"))
	var ve *ValidationError
	require.ErrorAs(t, c.Select("nope"), &ve)
	assert.Equal(t, MsgInvalidEndpoint, ve.Reason)

	_, err := c.StartSelected(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs.startReq, 1)
	assert.Equal(t, "rtmp://b", jobs.startReq[0].RTMPURL)
	assert.Equal(t, "YouTube", jobs.startReq[0].Platform)
	assert.Equal(t, "pw", jobs.startReq[0].Password)
}

func TestLoadStreamDataError(t *testing.T) {
	catalog := &fakeCatalog{epErr: errors.New("endpoints unavailable")}
	c, _, _ := newTestController(t, &fakeJobs{}, catalog)
	require.Error(t, c.LoadStreamData(context.Background(), "meeting-1"))
	assert.Equal(t, "Error loading stream data: endpoints unavailable", c.Status().Message)
	assert.False(t, c.Status().MeetingLoaded)

	var ve *ValidationError
	require.ErrorAs(t, c.LoadStreamData(context.Background(), ""), &ve)
}

func TestStartSelectedWithoutLoad(t *testing.T) {
	c, _, _ := newTestController(t, &fakeJobs{}, &fakeCatalog{})
	_, err := c.StartSelected(context.Background())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, MsgSelectEndpoint, ve.Reason)
}
