package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
	"github.com/EFForg/newsletter-backend/util"
)

// ErrSuppressed is returned for addresses that bounced or complained.
var ErrSuppressed = errors.New("address is suppressed")

type suppressionStore interface {
	IsSuppressedEmail(context.Context, string) (bool, error)
}

type linkBuilder interface {
	ConfirmURL(subscriptionID string) (string, error)
	UnsubscribeURL(projectPublicID, email string) (string, error)
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Settings are the SMTP values read from configuration.
type Settings struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// Website is the public base URL used in email text.
	Website string
}

// Config stores variables needed to submit emails for sending, as well as
// to generate the templates.
type Config struct {
	auth               smtp.Auth
	submissionHostname string
	port               string
	sender             string
	website            string // Needed to generate email template text.
	database           suppressionStore
	links              linkBuilder
	breaker            *gobreaker.CircuitBreaker[interface{}]
	send               sendFunc
	now                func() time.Time
}

// MakeConfig checks settings and, when credentials are given, negotiates
// an auth mechanism with the submission server over STARTTLS. An empty
// Host yields a Config that only logs messages.
func MakeConfig(s Settings, database suppressionStore, links linkBuilder) (Config, error) {
	varErrs := util.Errors{}
	c := Config{
		submissionHostname: s.Host,
		port:               s.Port,
		sender:             s.From,
		website:            strings.TrimRight(s.Website, "/"),
		database:           database,
		links:              links,
		breaker:            newBreaker(),
		send:               smtp.SendMail,
		now:                time.Now,
	}
	util.Require("website", s.Website, &varErrs)
	if s.Host != "" {
		util.Require("from address", s.From, &varErrs)
		util.Require("port", s.Port, &varErrs)
	}
	if len(varErrs) > 0 {
		return c, varErrs
	}
	if s.Host == "" || s.Username == "" {
		return c, nil
	}
	logging.Info().Str("host", s.Host).Msg("establishing auth connection with SMTP server")
	client, err := smtp.Dial(fmt.Sprintf("%s:%s", s.Host, s.Port))
	if err != nil {
		return c, err
	}
	defer client.Close()
	err = client.StartTLS(&tls.Config{ServerName: s.Host})
	if err != nil {
		return c, fmt.Errorf("SMTP server doesn't support STARTTLS")
	}
	ok, auths := client.Extension("AUTH")
	if !ok {
		return c, fmt.Errorf("remote SMTP server doesn't support any authentication mechanisms")
	}
	if strings.Contains(auths, "PLAIN") {
		c.auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	} else if strings.Contains(auths, "CRAM-MD5") {
		c.auth = smtp.CRAMMD5Auth(s.Username, s.Password)
	} else {
		return c, fmt.Errorf("SMTP server doesn't support PLAIN or CRAM-MD5 authentication")
	}
	return c, nil
}

func newBreaker() *gobreaker.CircuitBreaker[interface{}] {
	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker changed state")
		},
	})
}

// SendConfirmation asks the subscriber to confirm their address.
func (c Config) SendConfirmation(ctx context.Context, project models.Project, sub models.Subscription) error {
	confirmURL, err := c.links.ConfirmURL(sub.ID)
	if err != nil {
		return err
	}
	unsubscribeURL, err := c.links.UnsubscribeURL(project.PublicID, sub.Email)
	if err != nil {
		return err
	}
	body := confirmationEmailText(project.Name, confirmURL, unsubscribeURL)
	return c.sendEmail(ctx, fmt.Sprintf(confirmationEmailSubject, project.Name), body, sub.Email, unsubscribeURL)
}

// SendWelcome greets a new subscriber.
func (c Config) SendWelcome(ctx context.Context, project models.Project, sub models.Subscription) error {
	unsubscribeURL, err := c.links.UnsubscribeURL(project.PublicID, sub.Email)
	if err != nil {
		return err
	}
	body := welcomeEmailText(project.Name, unsubscribeURL)
	return c.sendEmail(ctx, fmt.Sprintf(welcomeEmailSubject, project.Name), body, sub.Email, unsubscribeURL)
}

// SendAdminNotification tells the operator about a subscription event.
func (c Config) SendAdminNotification(ctx context.Context, to string, project models.Project, sub models.Subscription, event models.AdminEvent, reason string) error {
	subject, body := adminEmailText(project.Name, sub.Email, event, reason, c.now())
	return c.sendEmail(ctx, subject, body, to, "")
}

func (c Config) sendEmail(ctx context.Context, subject string, body string, address string, unsubscribeURL string) error {
	suppressed, err := c.database.IsSuppressedEmail(ctx, address)
	if err != nil {
		return err
	}
	if suppressed {
		return fmt.Errorf("%w: %s", ErrSuppressed, util.HashEmail(address))
	}
	message := c.compose(subject, body, address, unsubscribeURL)
	if c.submissionHostname == "" {
		logging.Warn().Str("to", util.HashEmail(address)).Str("subject", subject).Msg("email host not configured, not sending email")
		logging.Debug().Msg(message)
		return nil
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.send(fmt.Sprintf("%s:%s", c.submissionHostname, c.port),
			c.auth, c.sender, []string{address}, []byte(message))
	})
	return err
}

func (c Config) compose(subject, body, address, unsubscribeURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.sender)
	fmt.Fprintf(&b, "To: %s\r\n", address)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", c.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	if unsubscribeURL != "" {
		fmt.Fprintf(&b, "List-Unsubscribe: <%s>\r\n", unsubscribeURL)
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}
