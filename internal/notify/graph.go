package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// Microsoft Graph endpoints and limits.
const (
	graphURL      = "https://graph.microsoft.com/v1.0"
	graphScope    = "https://graph.microsoft.com/.default"
	graphTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // URL template, not a credential

	graphAttempts  = 4
	graphRetryWait = time.Second
	graphMaxWait   = 30 * time.Second
	graphTimeout   = 30 * time.Second
	graphErrorBody = 4 * 1024
)

var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// GraphConfig is the configuration for email notifications.
type GraphConfig = types.GraphConfig

// CheckGraphConfig reports the first missing or malformed email setting.
func CheckGraphConfig(cfg *GraphConfig) error {
	switch {
	case !guidPattern.MatchString(cfg.TenantID):
		return fmt.Errorf("tenant ID must be a GUID, got %q", cfg.TenantID)
	case !guidPattern.MatchString(cfg.ClientID):
		return fmt.Errorf("client ID must be a GUID, got %q", cfg.ClientID)
	case cfg.ClientSecret == "":
		return errors.New("client secret is required")
	case cfg.FromAddress == "":
		return errors.New("from address (shared mailbox) is required")
	case len(mailRecipients(cfg.Recipients)) == 0:
		return errors.New("at least one recipient is required")
	}
	return nil
}

// Mailer sends activity emails for one station from a shared mailbox through
// Microsoft Graph, using app-only client credentials.
type Mailer struct {
	station string
	from    string
	to      []mailRecipient
	sendURL string
	userURL string
	client  *http.Client

	retryWait time.Duration
}

// NewMailer returns a Mailer for cfg. Tokens are fetched on first use.
func NewMailer(cfg *GraphConfig, station string) (*Mailer, error) {
	return newMailer(cfg, station, graphURL, fmt.Sprintf(graphTokenURL, url.PathEscape(cfg.TenantID)))
}

func newMailer(cfg *GraphConfig, station, apiURL, tokenURL string) (*Mailer, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.FromAddress == "" {
		return nil, errors.New("client ID, client secret and from address are required")
	}
	to := mailRecipients(cfg.Recipients)
	if len(to) == 0 {
		return nil, errors.New("no valid recipients")
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	base := &http.Client{Timeout: graphTimeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	user := apiURL + "/users/" + url.PathEscape(cfg.FromAddress)
	return &Mailer{
		station: station,
		from:    cfg.FromAddress,
		to:      to,
		sendURL: user + "/sendMail",
		userURL: user + "?$select=id",
		client:  creds.Client(ctx),

		retryWait: graphRetryWait,
	}, nil
}

// SendTransition mails a device activity change.
func (m *Mailer) SendTransition(ctx context.Context, t *types.Transition) error {
	return m.send(ctx, transitionMessage(m.station, t, time.Now()))
}

// SendTest checks the credentials and the mailbox, then mails a test message.
func (m *Mailer) SendTest(ctx context.Context) error {
	if err := m.checkMailbox(ctx); err != nil {
		return err
	}
	return m.send(ctx, testMessage(m.station, time.Now()))
}

// mail is the body of a sendMail request.
type mail struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		To []mailRecipient `json:"toRecipients"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

type mailRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func mailRecipients(list string) []mailRecipient {
	var to []mailRecipient
	for addr := range strings.SplitSeq(list, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			var r mailRecipient
			r.EmailAddress.Address = addr
			to = append(to, r)
		}
	}
	return to
}

// send posts msg, retrying throttled and transient failures. Every failed
// attempt is part of the returned error.
func (m *Mailer) send(ctx context.Context, msg message) error {
	var body mail
	body.Message.Subject = msg.subject
	body.Message.Body.ContentType = "Text"
	body.Message.Body.Content = msg.body
	body.Message.To = m.to

	data, err := json.Marshal(&body)
	if err != nil {
		return util.WrapError("marshal mail", err)
	}

	backoff := util.NewBackoff(m.retryWait, graphMaxWait)
	var errs *multierror.Error
	for attempt := 1; attempt <= graphAttempts; attempt++ {
		retryAfter, err := m.post(ctx, data)
		if err == nil {
			return nil
		}
		errs = multierror.Append(errs, fmt.Errorf("attempt %d: %w", attempt, err))

		var final *finalError
		if errors.As(err, &final) || attempt == graphAttempts {
			break
		}
		if err := sleepContext(ctx, max(backoff.Next(), retryAfter)); err != nil {
			return multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// finalError is a Graph answer that a retry cannot change.
type finalError struct {
	status int
	body   string
}

func (e *finalError) Error() string {
	return fmt.Sprintf("graph API returned %d: %s", e.status, e.body)
}

// post makes one sendMail call. It returns the delay the server asked for
// when it throttled the request.
func (m *Mailer) post(ctx context.Context, data []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.sendURL, bytes.NewReader(data))
	if err != nil {
		return 0, util.WrapError("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, util.WrapError("send request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "graph response body")()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	text := readErrorBody(resp.Body)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		after, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return time.Duration(max(after, 0)) * time.Second, fmt.Errorf("graph API throttled: %s", text)
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return 0, fmt.Errorf("graph API returned %d: %s", resp.StatusCode, text)
	default:
		return 0, &finalError{status: resp.StatusCode, body: text}
	}
}

// checkMailbox fetches the sender mailbox, which also acquires a token.
// A 403 means the token is valid but lacks User.Read, which Mail.Send does
// not need.
func (m *Mailer) checkMailbox(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.userURL, http.NoBody)
	if err != nil {
		return util.WrapError("create mailbox request", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return util.WrapError("look up mailbox", err)
	}
	defer util.SafeCloseFunc(resp.Body, "graph response body")()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("mailbox %s not found", m.from)
	case http.StatusUnauthorized:
		return errors.New("authentication failed: invalid credentials")
	default:
		return fmt.Errorf("mailbox lookup returned %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, graphErrorBody))
	return strings.TrimSpace(string(b))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
