package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
)

var epoch = time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedPoller returns the readings set for a flow, or its error.
type scriptedPoller struct {
	mu       sync.Mutex
	readings map[activity.Flow][]activity.Reading
	errs     map[activity.Flow]error
	polls    int
}

func (p *scriptedPoller) Poll(_ context.Context, flow activity.Flow) ([]activity.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if err := p.errs[flow]; err != nil {
		return nil, err
	}
	return p.readings[flow], nil
}

func (p *scriptedPoller) set(flow activity.Flow, readings ...activity.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings[flow] = readings
}

func (p *scriptedPoller) fail(flow activity.Flow, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[flow] = err
}

type recorder struct {
	mu          sync.Mutex
	transitions []types.Transition
	system      []eventlog.EventType
	devices     int
}

func (r *recorder) HandleTransition(t types.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) LogDevice(bool, string, string, string, string, time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices++
	return nil
}

func (r *recorder) LogSystem(eventType eventlog.EventType, _ string, _ *eventlog.SystemDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.system = append(r.system, eventType)
	return nil
}

func headset(active bool) activity.Reading {
	return activity.Reading{
		DeviceID: "bt-headset",
		Name:     "WH-1000XM4",
		Flow:     activity.FlowCapture,
		Class:    activity.ClassBluetooth,
		Raw:      active,
		Active:   active,
	}
}

func newTestWatcher(flows ...activity.Flow) (*Watcher, *scriptedPoller, *recorder, *manualClock) {
	p := &scriptedPoller{
		readings: make(map[activity.Flow][]activity.Reading),
		errs:     make(map[activity.Flow]error),
	}
	rec := &recorder{}
	clock := &manualClock{now: epoch}
	w := New(p, Options{
		Flows:    flows,
		Interval: 10 * time.Millisecond,
		EventLog: rec,
		Notifier: rec,
		Clock:    clock,
	})
	return w, p, rec, clock
}

func TestPollOnceReportsTransitions(t *testing.T) {
	w, p, rec, clock := newTestWatcher(activity.FlowCapture)
	ctx := context.Background()

	p.set(activity.FlowCapture, headset(false))
	require.NoError(t, w.PollOnce(ctx))
	assert.Empty(t, rec.transitions, "an idle device seen for the first time is not a change")

	clock.Advance(2 * time.Second)
	p.set(activity.FlowCapture, headset(true))
	require.NoError(t, w.PollOnce(ctx))
	require.Len(t, rec.transitions, 1)
	assert.True(t, rec.transitions[0].Device.Active)
	assert.Equal(t, 2*time.Second, rec.transitions[0].Previous)

	clock.Advance(time.Second)
	require.NoError(t, w.PollOnce(ctx))
	assert.Len(t, rec.transitions, 1, "unchanged state is not reported again")

	clock.Advance(4 * time.Second)
	p.set(activity.FlowCapture, headset(false))
	require.NoError(t, w.PollOnce(ctx))
	require.Len(t, rec.transitions, 2)
	assert.False(t, rec.transitions[1].Device.Active)
	assert.Equal(t, 5*time.Second, rec.transitions[1].Previous)
	assert.Equal(t, 2, rec.devices)

	statuses := w.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "bt-headset", statuses[0].ID)
	assert.Equal(t, "bluetooth", statuses[0].Class)
	assert.Equal(t, clock.Now(), statuses[0].Since)
}

func TestPollOnceNewActiveDevice(t *testing.T) {
	w, p, rec, _ := newTestWatcher(activity.FlowCapture)

	p.set(activity.FlowCapture, headset(true))
	require.NoError(t, w.PollOnce(context.Background()))

	require.Len(t, rec.transitions, 1)
	assert.True(t, rec.transitions[0].Device.Active)
	assert.Zero(t, rec.transitions[0].Previous)
}

func TestPollOnceForgetsRemovedDevices(t *testing.T) {
	w, p, rec, clock := newTestWatcher(activity.FlowCapture)
	ctx := context.Background()

	p.set(activity.FlowCapture, headset(true))
	require.NoError(t, w.PollOnce(ctx))

	clock.Advance(time.Minute)
	p.set(activity.FlowCapture)
	require.NoError(t, w.PollOnce(ctx))

	assert.Empty(t, w.Statuses())
	require.Len(t, rec.transitions, 2)
	assert.False(t, rec.transitions[1].Device.Active)
	assert.Equal(t, time.Minute, rec.transitions[1].Previous)
}

func TestEnumerationFailureMarksStale(t *testing.T) {
	w, p, rec, _ := newTestWatcher(activity.FlowCapture, activity.FlowRender)
	ctx := context.Background()

	p.set(activity.FlowCapture, headset(true))
	p.set(activity.FlowRender, activity.Reading{DeviceID: "speakers", Flow: activity.FlowRender, Class: activity.ClassStandard})
	require.NoError(t, w.PollOnce(ctx))

	p.fail(activity.FlowCapture, activity.ErrEnumeration)
	err := w.PollOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, activity.ErrEnumeration)
	require.Error(t, w.PollOnce(ctx))

	capture := w.StatusesFor(activity.FlowCapture)
	require.Len(t, capture, 1)
	assert.True(t, capture[0].Stale)
	assert.True(t, capture[0].Active, "last known state is kept")

	render := w.StatusesFor(activity.FlowRender)
	require.Len(t, render, 1)
	assert.False(t, render[0].Stale)

	assert.NotEmpty(t, w.LastError())
	assert.Equal(t, []eventlog.EventType{eventlog.EnumerationFailed}, rec.system, "a failure streak is logged once")
	assert.Len(t, rec.transitions, 1)

	p.fail(activity.FlowCapture, nil)
	require.NoError(t, w.PollOnce(ctx))
	assert.Empty(t, w.LastError())
	assert.False(t, w.StatusesFor(activity.FlowCapture)[0].Stale)
	assert.Equal(t, []eventlog.EventType{eventlog.EnumerationFailed, eventlog.EnumerationRestored}, rec.system)
}

func TestPollOnceJoinsFlowErrors(t *testing.T) {
	w, p, _, _ := newTestWatcher(activity.FlowCapture, activity.FlowRender)
	p.fail(activity.FlowCapture, errors.New("capture down"))
	p.fail(activity.FlowRender, errors.New("render down"))

	err := w.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture down")
	assert.Contains(t, err.Error(), "render down")
}

func TestStartStop(t *testing.T) {
	w, p, _, _ := newTestWatcher(activity.FlowCapture)
	p.set(activity.FlowCapture, headset(true))

	w.Start()
	assert.Eventually(t, func() bool {
		return len(w.Statuses()) == 1
	}, time.Second, 5*time.Millisecond)
	w.Stop()

	p.mu.Lock()
	polls := p.polls
	p.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, polls, p.polls, "no polls after Stop")
}
