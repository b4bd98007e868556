package email

import (
	"fmt"
	"time"

	"github.com/EFForg/newsletter-backend/models"
)

const confirmationEmailSubject = "Please confirm your subscription to %s"
const confirmationEmailTemplate = `
Hey there!

Someone (hopefully you) asked to subscribe this address to *%[1]s*. If this was you, visit

 %[2]s

to confirm your subscription. The link expires in 48 hours.

If this wasn't you, you can ignore this message and you won't hear from us again. To make sure, you can also opt out here:

 %[3]s
`

const welcomeEmailSubject = "Welcome to %s"
const welcomeEmailTemplate = `
Hey there!

You're now subscribed to *%[1]s*. Thanks for signing up!

You can unsubscribe at any time by visiting

 %[2]s
`

const adminEmailTemplate = `
%[1]s

Project: %[2]s
Subscriber: %[3]s
Time: %[4]s
`

func confirmationEmailText(project, confirmURL, unsubscribeURL string) string {
	return fmt.Sprintf(confirmationEmailTemplate, project, confirmURL, unsubscribeURL)
}

func welcomeEmailText(project, unsubscribeURL string) string {
	return fmt.Sprintf(welcomeEmailTemplate, project, unsubscribeURL)
}

var adminEventText = map[models.AdminEvent]string{
	models.EventNewSubscription: "New subscription",
	models.EventConfirmed:       "Subscription confirmed",
	models.EventResubscribed:    "Subscriber resubscribed",
	models.EventUnsubscribed:    "Subscriber unsubscribed",
}

func adminEmailText(project, subscriber string, event models.AdminEvent, reason string, at time.Time) (string, string) {
	headline, ok := adminEventText[event]
	if !ok {
		headline = string(event)
	}
	body := fmt.Sprintf(adminEmailTemplate, headline, project, subscriber, at.UTC().Format(time.RFC1123))
	if reason != "" {
		body += fmt.Sprintf("Reason: %s\n", reason)
	}
	return fmt.Sprintf("[%s] %s", project, headline), body
}
