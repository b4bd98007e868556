package email

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mhale/smtpd"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/EFForg/newsletter-backend/models"
)

type mockSuppressionStore struct {
	suppressed map[string]bool
	err        error
}

func (s *mockSuppressionStore) IsSuppressedEmail(ctx context.Context, email string) (bool, error) {
	return s.suppressed[email], s.err
}

type mockLinks struct{}

func (mockLinks) ConfirmURL(id string) (string, error) {
	return "https://news.example.com/confirm?token=confirm-" + id, nil
}

func (mockLinks) UnsubscribeURL(project, email string) (string, error) {
	return "https://news.example.com/unsubscribe?project=" + project + "&token=unsub", nil
}

var (
	testProject = models.Project{ID: 1, PublicID: "01PROJECT", Name: "Weekly Digest"}
	testSub     = models.Subscription{ID: "sub-1", ProjectID: 1, Email: "reader@example.com"}
)

func testConfig(store suppressionStore) Config {
	c, err := MakeConfig(Settings{Website: "https://news.example.com"}, store, mockLinks{})
	if err != nil {
		panic(err)
	}
	return c
}

func TestConfirmationEmailText(t *testing.T) {
	content := confirmationEmailText("Weekly Digest", "https://x/confirm?token=abc", "https://x/unsubscribe")
	if !strings.Contains(content, "https://x/confirm?token=abc") {
		t.Errorf("E-mail formatted incorrectly.")
	}
	if !strings.Contains(content, "*Weekly Digest*") {
		t.Errorf("expected project name in email")
	}
}

func TestAdminEmailText(t *testing.T) {
	subject, body := adminEmailText("Weekly Digest", "reader@example.com", models.EventUnsubscribed, "too many emails", time.Now())
	if subject != "[Weekly Digest] Subscriber unsubscribed" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "Reason: too many emails") {
		t.Errorf("expected reason in body, got %q", body)
	}
}

func TestMakeConfigRequiresValues(t *testing.T) {
	_, err := MakeConfig(Settings{Host: "smtp.example.com"}, nil, nil)
	if err == nil {
		t.Fatal("should have received errors for missing settings")
	}
	for _, want := range []string{"website", "from address", "port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error about %s, got %v", want, err)
		}
	}
}

func TestSendEmailToSuppressedAddressFails(t *testing.T) {
	c := testConfig(&mockSuppressionStore{suppressed: map[string]bool{"reader@example.com": true}})
	err := c.SendWelcome(context.Background(), testProject, testSub)
	if !errors.Is(err, ErrSuppressed) {
		t.Errorf("attempting to send mail to suppressed address should fail, got %v", err)
	}
	if strings.Contains(err.Error(), "reader@example.com") {
		t.Error("error should not contain the address")
	}
}

func TestSendWithoutHostOnlyLogs(t *testing.T) {
	c := testConfig(&mockSuppressionStore{})
	if err := c.SendConfirmation(context.Background(), testProject, testSub); err != nil {
		t.Errorf("expected log-only send to succeed, got %v", err)
	}
}

type received struct {
	from string
	to   []string
	data string
}

// smtpListenAndServe starts a local SMTP server on a random port.
func smtpListenAndServe(t *testing.T) (net.Listener, *sync.Mutex, *[]received) {
	var mu sync.Mutex
	var msgs []received
	srv := &smtpd.Server{
		Handler: func(_ net.Addr, from string, to []string, data []byte) {
			mu.Lock()
			defer mu.Unlock()
			msgs = append(msgs, received{from: from, to: to, data: string(data)})
		},
		Hostname: "example.com",
	}
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln, &mu, &msgs
}

func TestSendConfirmationOverSMTP(t *testing.T) {
	ln, mu, msgs := smtpListenAndServe(t)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	c, err := MakeConfig(Settings{Host: host, Port: port, From: "news@example.com", Website: "https://news.example.com"},
		&mockSuppressionStore{}, mockLinks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendConfirmation(context.Background(), testProject, testSub); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(*msgs))
	}
	got := (*msgs)[0]
	if got.from != "news@example.com" || len(got.to) != 1 || got.to[0] != "reader@example.com" {
		t.Errorf("unexpected envelope %+v", got)
	}
	for _, want := range []string{
		"Subject: Please confirm your subscription to Weekly Digest",
		"List-Unsubscribe: <https://news.example.com/unsubscribe?project=01PROJECT&token=unsub>",
		"https://news.example.com/confirm?token=confirm-sub-1",
	} {
		if !strings.Contains(got.data, want) {
			t.Errorf("message missing %q:\n%s", want, got.data)
		}
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	c := testConfig(&mockSuppressionStore{})
	c.submissionHostname = "smtp.invalid"
	c.port = "25"
	calls := 0
	c.send = func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return errors.New("connection refused")
	}
	for i := 0; i < 5; i++ {
		if err := c.SendWelcome(context.Background(), testProject, testSub); err == nil {
			t.Fatal("expected failure")
		}
	}
	err := c.SendWelcome(context.Background(), testProject, testSub)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 delivery attempts, got %d", calls)
	}
}

func snsBody(t *testing.T, message string) []byte {
	b, err := json.Marshal(map[string]string{
		"Type":      "Notification",
		"Message":   message,
		"Timestamp": "2026-07-21T18:47:13.498Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBounceNotification(t *testing.T) {
	cases := []struct {
		name       string
		message    string
		reason     string
		recipients []string
		permanent  bool
	}{
		{
			name:       "permanent bounce",
			message:    `{"notificationType":"Bounce","bounce":{"bounceType":"Permanent","bouncedRecipients":[{"emailAddress":"a@example.com"},{"emailAddress":"b@example.com"}]}}`,
			reason:     "Bounce",
			recipients: []string{"a@example.com", "b@example.com"},
			permanent:  true,
		},
		{
			name:       "transient bounce",
			message:    `{"notificationType":"Bounce","bounce":{"bounceType":"Transient","bouncedRecipients":[{"emailAddress":"a@example.com"}]}}`,
			reason:     "Bounce",
			recipients: []string{"a@example.com"},
		},
		{
			name:       "complaint",
			message:    `{"notificationType":"Complaint","complaint":{"complainedRecipients":[{"emailAddress":"c@example.com"}]}}`,
			reason:     "Complaint",
			recipients: []string{"c@example.com"},
			permanent:  true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var n BounceNotification
			if err := json.Unmarshal(snsBody(t, c.message), &n); err != nil {
				t.Fatal(err)
			}
			if n.Reason != c.reason || n.Permanent() != c.permanent {
				t.Errorf("got reason %q permanent %v", n.Reason, n.Permanent())
			}
			if n.Timestamp != "2026-07-21T18:47:13.498Z" || n.Raw != c.message {
				t.Errorf("wrapper fields not kept: %+v", n)
			}
			if len(n.Recipients) != len(c.recipients) {
				t.Fatalf("got %d recipients, want %d", len(n.Recipients), len(c.recipients))
			}
			for i, r := range n.Recipients {
				if r.EmailAddress != c.recipients[i] {
					t.Errorf("recipient %d = %s, want %s", i, r.EmailAddress, c.recipients[i])
				}
			}
		})
	}
}

func TestBounceNotificationRejectsGarbage(t *testing.T) {
	var n BounceNotification
	if err := json.Unmarshal([]byte(`{"Message":"not json"}`), &n); err == nil {
		t.Error("expected error for malformed message")
	}
}
