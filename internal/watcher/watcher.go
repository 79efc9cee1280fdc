// Package watcher polls the activity monitor on a fixed cadence, tracks the
// debounced state of every device and reports changes.
package watcher

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// Backoff bounds after a failed poll.
const (
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

// Poller evaluates every device of a flow once.
type Poller interface {
	Poll(ctx context.Context, flow activity.Flow) ([]activity.Reading, error)
}

// TransitionHandler receives changes of the debounced activity of a device.
type TransitionHandler interface {
	HandleTransition(t types.Transition)
}

// EventLog records device and system events.
type EventLog interface {
	LogDevice(active bool, id, name, flow, class string, previous time.Duration) error
	LogSystem(eventType eventlog.EventType, message string, details *eventlog.SystemDetails) error
}

// Options configures a Watcher.
type Options struct {
	Flows    []activity.Flow
	Interval time.Duration
	EventLog EventLog          // optional
	Notifier TransitionHandler // optional
	Clock    activity.Clock    // defaults to activity.SystemClock
}

// Watcher owns the polling cadence of the activity monitor.
// It is safe for concurrent use.
type Watcher struct {
	poller   Poller
	flows    []activity.Flow
	interval time.Duration
	eventLog EventLog
	notifier TransitionHandler
	clock    activity.Clock
	backoff  *util.Backoff

	mu       sync.RWMutex
	statuses map[string]types.DeviceStatus
	failing  map[activity.Flow]string
	lastErr  string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Watcher polling p.
func New(p Poller, opts Options) *Watcher {
	if opts.Clock == nil {
		opts.Clock = activity.SystemClock{}
	}
	if len(opts.Flows) == 0 {
		opts.Flows = []activity.Flow{activity.FlowCapture}
	}
	return &Watcher{
		poller:   p,
		flows:    slices.Clone(opts.Flows),
		interval: opts.Interval,
		eventLog: opts.EventLog,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		backoff:  util.NewBackoff(InitialRetryDelay, MaxRetryDelay),
		statuses: make(map[string]types.DeviceStatus),
		failing:  make(map[activity.Flow]string),
	}
}

// Start begins polling in the background.
func (w *Watcher) Start() {
	w.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	w.wg.Go(func() {
		<-w.stopCh
		cancel()
	})
	w.wg.Go(func() {
		w.run(ctx)
	})
	slog.Info("device watcher started", "flows", w.flows, "interval", w.interval)
}

// Stop ends polling and waits for the poll in progress.
func (w *Watcher) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	w.stopCh = nil
	slog.Info("device watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay := w.interval
		if err := w.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = w.backoff.Next()
			slog.Warn("device poll failed", "error", err, "retry_in", delay)
		} else {
			w.backoff.Reset()
		}
		timer.Reset(delay)
	}
}

// PollOnce polls every configured flow once. A failing flow does not stop
// the others; the errors of all failing flows are returned together.
func (w *Watcher) PollOnce(ctx context.Context) error {
	var result *multierror.Error
	for _, flow := range w.flows {
		readings, err := w.poller.Poll(ctx, flow)
		if err != nil {
			w.markFailed(flow, err)
			result = multierror.Append(result, err)
			continue
		}
		w.apply(flow, readings)
	}
	return result.ErrorOrNil()
}

// apply merges the readings of a successful poll of flow and reports
// every change of the debounced activity.
func (w *Watcher) apply(flow activity.Flow, readings []activity.Reading) {
	now := w.clock.Now()
	var transitions []types.Transition

	w.mu.Lock()
	_, recovered := w.failing[flow]
	delete(w.failing, flow)
	if len(w.failing) == 0 {
		w.lastErr = ""
	}

	seen := make(map[string]struct{}, len(readings))
	for _, r := range readings {
		key := statusKey(flow, r.DeviceID)
		seen[key] = struct{}{}

		prev, known := w.statuses[key]
		next := types.DeviceStatus{
			ID:     r.DeviceID,
			Name:   r.Name,
			Flow:   string(flow),
			Class:  string(r.Class),
			Active: r.Active,
			Raw:    r.Raw,
			Since:  now,
		}
		switch {
		case known && prev.Active == r.Active:
			next.Since = prev.Since
		case known:
			transitions = append(transitions, types.Transition{Device: next, Previous: now.Sub(prev.Since)})
		case r.Active:
			transitions = append(transitions, types.Transition{Device: next})
		}
		w.statuses[key] = next
	}

	// Devices that disappeared are forgotten; an active one goes inactive first.
	for key, st := range w.statuses {
		if st.Flow != string(flow) {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		delete(w.statuses, key)
		if st.Active {
			gone := st
			gone.Active, gone.Raw, gone.Stale, gone.Since = false, false, false, now
			transitions = append(transitions, types.Transition{Device: gone, Previous: now.Sub(st.Since)})
		}
	}
	w.mu.Unlock()

	if recovered {
		slog.Info("device enumeration restored", "flow", flow)
		w.logSystem(eventlog.EnumerationRestored, "device enumeration restored", &eventlog.SystemDetails{Flow: string(flow)})
	}
	for _, t := range transitions {
		w.report(t)
	}
}

// markFailed keeps the last known statuses of flow but marks them stale.
func (w *Watcher) markFailed(flow activity.Flow, err error) {
	w.mu.Lock()
	_, already := w.failing[flow]
	w.failing[flow] = err.Error()
	w.lastErr = err.Error()
	for key, st := range w.statuses {
		if st.Flow == string(flow) {
			st.Stale = true
			w.statuses[key] = st
		}
	}
	w.mu.Unlock()

	if !already {
		w.logSystem(eventlog.EnumerationFailed, "device enumeration failed", &eventlog.SystemDetails{
			Flow:  string(flow),
			Error: err.Error(),
		})
	}
}

func (w *Watcher) report(t types.Transition) {
	slog.Info("device activity changed",
		"device", t.Device.ID, "name", t.Device.Name, "flow", t.Device.Flow,
		"class", t.Device.Class, "active", t.Device.Active, "previous", t.Previous)

	if w.eventLog != nil {
		d := t.Device
		if err := w.eventLog.LogDevice(d.Active, d.ID, d.Name, d.Flow, d.Class, t.Previous); err != nil {
			slog.Warn("failed to log device event", "device", d.ID, "error", err)
		}
	}
	if w.notifier != nil {
		w.notifier.HandleTransition(t)
	}
}

func (w *Watcher) logSystem(eventType eventlog.EventType, msg string, details *eventlog.SystemDetails) {
	if w.eventLog == nil {
		return
	}
	if err := w.eventLog.LogSystem(eventType, msg, details); err != nil {
		slog.Warn("failed to log system event", "type", eventType, "error", err)
	}
}

// Statuses returns the known devices ordered by flow and id.
func (w *Watcher) Statuses() []types.DeviceStatus {
	w.mu.RLock()
	out := make([]types.DeviceStatus, 0, len(w.statuses))
	for _, st := range w.statuses {
		out = append(out, st)
	}
	w.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.DeviceStatus) int {
		if c := strings.Compare(a.Flow, b.Flow); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// StatusesFor returns the known devices of one flow.
func (w *Watcher) StatusesFor(flow activity.Flow) []types.DeviceStatus {
	all := w.Statuses()
	return slices.DeleteFunc(all, func(st types.DeviceStatus) bool { return st.Flow != string(flow) })
}

// LastError returns the most recent poll error, or "" once all flows recovered.
func (w *Watcher) LastError() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

func statusKey(flow activity.Flow, id string) string {
	return string(flow) + "/" + id
}
