// Package notify delivers device activity changes to webhooks, Microsoft
// Graph email and Zabbix.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/config"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// AppName identifies the monitor in notifications.
const AppName = "ZuidWest FM Audiowatch"

// sendTimeout bounds one notification including retries.
const sendTimeout = 2 * time.Minute

// TransitionNotifier sends notifications for device activity changes.
// Each channel is delivered asynchronously.
type TransitionNotifier struct {
	cfg *config.Config

	mu         sync.Mutex
	mailer     *Mailer
	mailerKey  GraphConfig
	mailerName string

	wg sync.WaitGroup
}

// NewTransitionNotifier returns a TransitionNotifier reading its channels
// from cfg on every transition.
func NewTransitionNotifier(cfg *config.Config) *TransitionNotifier {
	return &TransitionNotifier{cfg: cfg}
}

// HandleTransition triggers notifications on every configured channel.
func (n *TransitionNotifier) HandleTransition(t types.Transition) {
	cfg := n.cfg.Snapshot()

	if cfg.HasWebhook() {
		n.deliver("webhook", &t, func(ctx context.Context) error {
			return SendTransitionWebhook(ctx, cfg.WebhookURL, cfg.StationName, &t)
		})
	}
	if cfg.HasGraph() {
		graphCfg := cfg.GraphConfig()
		n.deliver("email", &t, func(ctx context.Context) error {
			m, err := n.mailerFor(&graphCfg, cfg.StationName)
			if err != nil {
				return util.WrapError("create mailer", err)
			}
			return m.SendTransition(ctx, &t)
		})
	}
	if cfg.HasZabbix() {
		zbx := cfg.Zabbix
		n.deliver("zabbix", &t, func(ctx context.Context) error {
			return SendTransitionZabbix(ctx, &zbx, &t)
		})
	}
}

// Wait blocks until all notifications in flight are delivered or failed.
func (n *TransitionNotifier) Wait() {
	n.wg.Wait()
}

// deliver runs send in the background and logs the outcome against the
// device of t.
func (n *TransitionNotifier) deliver(channel string, t *types.Transition, send func(ctx context.Context) error) {
	log := slog.With("channel", channel, "event", TransitionEvent(t), "device", t.Device.ID)
	n.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := send(ctx); err != nil {
			log.Error("notification failed", "error", err)
			return
		}
		log.Info("notification sent")
	})
}

// mailerFor returns the cached Mailer, replacing it when the email settings
// or the station name changed.
func (n *TransitionNotifier) mailerFor(cfg *GraphConfig, station string) (*Mailer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mailer != nil && n.mailerKey == *cfg && n.mailerName == station {
		return n.mailer, nil
	}

	m, err := NewMailer(cfg, station)
	if err != nil {
		return nil, err
	}
	n.mailer, n.mailerKey, n.mailerName = m, *cfg, station
	return m, nil
}
