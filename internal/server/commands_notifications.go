package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oszuidwest/zwfm-audiowatch/internal/config"
	"github.com/oszuidwest/zwfm-audiowatch/internal/notify"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
)

// RunNotificationTest sends a test notification through one channel:
// "webhook", "email" or "zabbix".
func RunNotificationTest(ctx context.Context, cfg *config.Config, testType string) error {
	snap := cfg.Snapshot()
	switch testType {
	case "webhook":
		return notify.SendTestWebhook(ctx, snap.WebhookURL, snap.StationName)
	case "email":
		graphCfg := snap.GraphConfig()
		return notify.SendTestEmail(ctx, &graphCfg, snap.StationName)
	case "zabbix":
		return notify.SendTestZabbix(ctx, &snap.Zabbix)
	default:
		return fmt.Errorf("unknown test type: %s", testType)
	}
}

// handleTest executes a notification test and sends the result to the client.
func (h *CommandHandler) handleTest(send chan<- any, testType string) {
	goSafe("notifications/"+testType+"/test", func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		result := types.WSTestResult{
			Type:     "test_result",
			TestType: testType,
			Success:  true,
		}
		if err := RunNotificationTest(ctx, h.cfg, testType); err != nil {
			slog.Error("test failed", "test", testType, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else {
			slog.Info("test succeeded", "test", testType)
		}
		deliver(send, "test_"+testType, result)
	}, nil)
}

// handleWebhookUpdate stores a new webhook URL.
func (h *CommandHandler) handleWebhookUpdate(cmd WSCommand, send chan<- any) {
	handleSync(cmd, send, func(req *WebhookUpdateRequest) (any, error) {
		if err := h.cfg.SetWebhookURL(req.URL); err != nil {
			return nil, err
		}
		slog.Info("webhook URL updated", "configured", req.URL != "")
		return nil, nil
	})
}
