package api

import (
	"crypto/subtle"
	"io"
	"net/http"

	raven "github.com/getsentry/raven-go"
	json "github.com/goccy/go-json"

	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/email"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
)

type ravenExtraContent string

// Class satisfies raven's Interface interface so we can send this as extra context.
// https://github.com/getsentry/raven-go/issues/125
func (r ravenExtraContent) Class() string {
	return "extra"
}

func (r ravenExtraContent) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}

func (api *API) authorizedSNS(r *http.Request) bool {
	key := r.URL.Query().Get("amazon_authorize_key")
	if api.SESAuthorizeKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(api.SESAuthorizeKey)) == 1
}

// HandleSESNotification handles AWS SES bounces and complaints submitted to a webhook
// via AWS SNS (Simple Notification Service). Permanent bounces and complaints
// mark every subscription of the address as bounced.
// The SNS webhook is configured to include a secret API key stored in the environment.
func (api *API) HandleSESNotification(w http.ResponseWriter, r *http.Request) {
	if !api.authorizedSNS(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		raven.CaptureError(err, nil)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data := &email.BounceNotification{}
	err = json.Unmarshal(body, data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		raven.CaptureError(err, nil, ravenExtraContent(body))
		return
	}

	tags := map[string]string{"notification_type": data.Reason}
	raven.CaptureMessage("Received SES notification", tags, ravenExtraContent(data.Raw))

	if !data.Permanent() {
		w.WriteHeader(http.StatusOK)
		return
	}
	for _, recipient := range data.Recipients {
		address := models.NormalizeEmail(recipient.EmailAddress)
		if err := api.markBounced(r, address, data.Reason); err != nil {
			logging.Error().Err(err).Str("reason", data.Reason).Msg("could not mark address bounced")
			raven.CaptureError(err, nil)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (api *API) markBounced(r *http.Request, address, reason string) error {
	var transitions []models.Transition
	err := api.transact(r.Context(), func(tx db.Tx) error {
		transitions = transitions[:0]
		subs, err := tx.LockSubscriptionsByEmail(r.Context(), address)
		if err != nil {
			return err
		}
		for i := range subs {
			t := subs[i].MarkBounced(reason, api.clock())
			if !t.Changed {
				continue
			}
			if err := tx.UpdateSubscription(r.Context(), &subs[i]); err != nil {
				return err
			}
			transitions = append(transitions, t)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range transitions {
		recordTransition(t)
	}
	return nil
}
