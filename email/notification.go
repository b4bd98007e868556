package email

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Recipients lists the email addresses that have triggered a bounce or complaint.
type Recipients []struct {
	EmailAddress string `json:"emailAddress"`
}

// BounceNotification is an SES bounce or complaint delivered through SNS.
type BounceNotification struct {
	Reason     string
	Timestamp  string
	Recipients Recipients
	Raw        string

	bounceType string
}

// Permanent reports whether the addresses should stop receiving mail.
// Transient bounces (full mailbox, greylisting) do not count.
func (n BounceNotification) Permanent() bool {
	return (n.Reason == "Bounce" && n.bounceType != "Transient") || n.Reason == "Complaint"
}

// UnmarshalJSON wrangles the JSON posted by AWS SNS into something easier to access
// and generalized across notification types.
func (n *BounceNotification) UnmarshalJSON(b []byte) error {
	// Message holds stringified JSON. See email_test.go for examples.
	var wrapper struct {
		Message   string
		Timestamp string
	}
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return fmt.Errorf("failed to load notification wrapper: %v", err)
	}

	var msg struct {
		NotificationType string `json:"notificationType"`
		Complaint        struct {
			Recipients Recipients `json:"complainedRecipients"`
		} `json:"complaint"`
		Bounce struct {
			BounceType string     `json:"bounceType"`
			Recipients Recipients `json:"bouncedRecipients"`
		} `json:"bounce"`
	}
	if err := json.Unmarshal([]byte(wrapper.Message), &msg); err != nil {
		return fmt.Errorf("failed to load notification message: %v", err)
	}
	// Only one of Complaint or Bounce will contain data.
	recipients := append(msg.Bounce.Recipients, msg.Complaint.Recipients...)

	*n = BounceNotification{
		Raw:        wrapper.Message,
		Timestamp:  wrapper.Timestamp,
		Reason:     msg.NotificationType,
		Recipients: recipients,
		bounceType: msg.Bounce.BounceType,
	}
	return nil
}
