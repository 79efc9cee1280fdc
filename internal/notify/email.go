package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// message is a plain text email.
type message struct {
	subject string
	body    string
}

// transitionMessage describes a device activity change that happened at.
func transitionMessage(station string, t *types.Transition, at time.Time) message {
	state, verb := "Inactive", "stopped being used"
	if t.Device.Active {
		state, verb = "Active", "is now in use"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The %s device %q %s.\n\n", t.Device.Flow, t.Device.Name, verb)
	fmt.Fprintf(&b, "Device:         %s\n", t.Device.ID)
	fmt.Fprintf(&b, "Class:          %s\n", t.Device.Class)
	if t.Previous > 0 {
		fmt.Fprintf(&b, "Previous state: %s\n", util.FormatDuration(t.Previous))
	}
	fmt.Fprintf(&b, "Time:           %s", util.HumanTime(at))

	return message{
		subject: fmt.Sprintf("[%s] %s - %s", state, t.Device.Name, station),
		body:    b.String(),
	}
}

func testMessage(station string, at time.Time) message {
	return message{
		subject: "[TEST] " + station,
		body: fmt.Sprintf("Test email from %s.\n\nTime: %s\n\nMicrosoft Graph configuration is working correctly.",
			AppName, util.HumanTime(at)),
	}
}

// SendTestEmail checks cfg and sends a test email.
func SendTestEmail(ctx context.Context, cfg *GraphConfig, station string) error {
	if err := CheckGraphConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	m, err := NewMailer(cfg, station)
	if err != nil {
		return util.WrapError("create mailer", err)
	}
	return m.SendTest(ctx)
}
