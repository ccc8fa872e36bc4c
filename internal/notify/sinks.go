package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"
)

// ConsoleSink writes rendered messages to an io.Writer, used for the
// "stdout" notifier type and for dry-run ("live: false") testing of the
// remote sinks below.
type ConsoleSink struct {
	w io.Writer
}

// NewConsoleSink returns a MessageSender that writes to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Send(_ context.Context, body string) error {
	_, err := fmt.Fprintln(s.w, body)
	return err
}

// SMSSink delivers a rendered message via Twilio's REST API to every
// configured recipient number. When live is false it writes to stdout
// instead, so a configuration can be exercised without placing real
// outbound calls.
type SMSSink struct {
	client     *http.Client
	accountSID string
	authToken  string
	from       string
	recipients []string
	live       bool
	dryRun     *ConsoleSink
}

// NewSMSSink constructs a Twilio-backed MessageSender. recipients must be
// non-empty.
func NewSMSSink(client *http.Client, accountSID, authToken, from string, recipients []string, live bool, dryRun io.Writer) *SMSSink {
	return &SMSSink{
		client:     client,
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		recipients: recipients,
		live:       live,
		dryRun:     NewConsoleSink(dryRun),
	}
}

func (s *SMSSink) Send(ctx context.Context, body string) error {
	if !s.live {
		return s.dryRun.Send(ctx, body)
	}

	// One send per recipient, in parallel, gathering every completion so a
	// failure for one number doesn't cut the others short. The first error
	// encountered is returned.
	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", s.accountSID)
	var g errgroup.Group
	for _, to := range s.recipients {
		to := to
		g.Go(func() error {
			form := url.Values{
				"To":   {to},
				"From": {s.from},
				"Body": {body},
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
			if err != nil {
				return fmt.Errorf("sms: build request for %s: %w", to, err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.SetBasicAuth(s.accountSID, s.authToken)

			resp, err := s.client.Do(req)
			if err != nil {
				return fmt.Errorf("sms: send to %s: %w", to, err)
			}
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("sms: send to %s: twilio returned %s", to, resp.Status)
			}
			return nil
		})
	}
	return g.Wait()
}

// PushSink delivers a rendered message via the Pushover API. When live is
// false it writes to stdout instead.
type PushSink struct {
	client   *http.Client
	userKey  string
	apiToken string
	live     bool
	dryRun   *ConsoleSink
}

// NewPushSink constructs a Pushover-backed MessageSender.
func NewPushSink(client *http.Client, userKey, apiToken string, live bool, dryRun io.Writer) *PushSink {
	return &PushSink{client: client, userKey: userKey, apiToken: apiToken, live: live, dryRun: NewConsoleSink(dryRun)}
}

func (s *PushSink) Send(ctx context.Context, body string) error {
	if !s.live {
		return s.dryRun.Send(ctx, body)
	}

	form := url.Values{
		"token":   {s.apiToken},
		"user":    {s.userKey},
		"message": {body},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.pushover.net/1/messages.json", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("pushover: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var payload struct {
			Errors []string `json:"errors"`
		}
		json.NewDecoder(resp.Body).Decode(&payload)
		return fmt.Errorf("pushover: send: status %s: %v", resp.Status, payload.Errors)
	}
	return nil
}
