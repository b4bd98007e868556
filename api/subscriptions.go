package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/EFForg/newsletter-backend/admission"
	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
	"github.com/EFForg/newsletter-backend/util"
)

// Bodies larger than this are cut off and fail to decode.
const maxBodyBytes = 64 << 10

const maxReasonLength = 500

// Messages shown for the outcome of a subscribe call.
const (
	messageCheckEmail        = "Please check your email to confirm your subscription."
	messageSubscribed        = "You are successfully subscribed!"
	messageAlreadySubscribed = "You are already subscribed!"
	messageResubscribed      = "You have been resubscribed successfully!"
	messageUndeliverable     = "This email address has been marked as undeliverable."
	messageUnsubscribed      = "Unsubscribe request processed"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by the names clients send.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type subscribeRequest struct {
	Email     string      `json:"email" validate:"required,max=255"`
	SourceURL string      `json:"source_url" validate:"omitempty,url,max=500"`
	Referrer  string      `json:"referrer" validate:"omitempty,url,max=500"`
	Meta      models.Meta `json:"meta"`
}

type unsubscribeRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type subscriptionData struct {
	SubscriptionID       string        `json:"subscription_id"`
	Email                string        `json:"email"`
	Status               models.Status `json:"status"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
}

func isForm(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data")
}

// decodeBody reads a JSON body into v. Form posts fill the string fields
// named in fields instead.
func decodeBody(r *http.Request, v interface{}, fields map[string]*string) error {
	if isForm(r) {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return err
		}
		for name, dst := range fields {
			*dst = r.FormValue(name)
		}
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func fieldLabel(field string) string {
	return strings.ReplaceAll(field, "_", " ")
}

func fieldMessage(fe validator.FieldError) string {
	label := fieldLabel(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", label)
	case "max":
		return fmt.Sprintf("The %s may not be greater than %s characters.", label, fe.Param())
	case "url":
		return fmt.Sprintf("The %s format is invalid.", label)
	}
	return fmt.Sprintf("The %s is invalid.", label)
}

func fieldErrors(err error) map[string][]string {
	errs := map[string][]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs["body"] = []string{"The request body could not be read."}
		return errs
	}
	for _, fe := range verrs {
		errs[fe.Field()] = append(errs[fe.Field()], fieldMessage(fe))
	}
	return errs
}

// checkEmail normalizes raw and returns field errors if it may not
// subscribe.
func (api *API) checkEmail(raw string) (string, []string) {
	email := models.NormalizeEmail(raw)
	if !models.ValidEmail(email) {
		return email, []string{"The email must be a valid email address."}
	}
	if api.Denylist.Blocks(email) {
		return email, []string{"Disposable email addresses are not allowed."}
	}
	return email, nil
}

func subscribeMessage(result models.Result) string {
	switch result {
	case models.ResultPending, models.ResultAlreadyPending:
		return messageCheckEmail
	case models.ResultSubscribed:
		return messageSubscribed
	case models.ResultAlreadySubscribed:
		return messageAlreadySubscribed
	case models.ResultResubscribed:
		return messageResubscribed
	}
	return "Subscription processed successfully."
}

// Subscribe is the handler for /api/v1/subscriptions.
//   POST /api/v1/subscriptions
//        email: Address to subscribe.
//        source_url (optional): Page the signup form is on.
//        referrer (optional): Defaults to the Referer header.
//        meta (optional): Free-form object stored with the subscription.
// Creates the subscription, or applies the call to the existing one.
func (api *API) subscribe(r *http.Request) response {
	project, ok := admission.TenantFrom(r.Context())
	if !ok {
		return serverError(errors.New("subscribe reached without an admitted project"))
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	var req subscribeRequest
	if err := decodeBody(r, &req, map[string]*string{
		"email": &req.Email, "source_url": &req.SourceURL, "referrer": &req.Referrer,
	}); err != nil {
		return validationFailed("Validation failed", fieldErrors(err))
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		return validationFailed("Validation failed", fieldErrors(err))
	}
	email, problems := api.checkEmail(req.Email)
	if len(problems) > 0 {
		return validationFailed("Validation failed", map[string][]string{"email": problems})
	}

	referrer := req.Referrer
	if referrer == "" {
		referrer = r.Referer()
	}
	actor := models.Actor{
		IPAddress: admission.ClientIP(r),
		UserAgent: r.UserAgent(),
		Referrer:  referrer,
		SourceURL: req.SourceURL,
		Meta:      req.Meta,
		At:        api.clock(),
	}

	var sub models.Subscription
	var t models.Transition
	err := api.transact(r.Context(), func(tx db.Tx) error {
		existing, err := tx.LockSubscription(r.Context(), project.ID, email)
		if errors.Is(err, db.ErrNotFound) {
			sub, t = models.NewSubscription(project, email, actor)
			if err := tx.InsertSubscription(r.Context(), &sub); err != nil {
				return err
			}
			tx.Enqueue(t.Jobs...)
			return nil
		}
		if err != nil {
			return err
		}
		sub = existing
		t = sub.Subscribe(project, actor)
		if !t.Changed {
			return nil
		}
		if err := tx.UpdateSubscription(r.Context(), &sub); err != nil {
			return err
		}
		tx.Enqueue(t.Jobs...)
		return nil
	})
	if err != nil {
		logging.Error().Err(err).
			Int64("project", project.ID).
			Str("email_hash", util.HashEmail(email)).
			Msg("subscription failed")
		return serverError(fmt.Errorf("subscribing: %w", err))
	}
	recordTransition(t)

	switch t.Result {
	case models.ResultSuppressed:
		return response{
			statusCode: admission.EmailSuppressed.Status(),
			Message:    messageUndeliverable,
			Error:      admission.EmailSuppressed.Code(),
			Errors:     map[string][]string{"email": {messageUndeliverable}},
		}
	case models.ResultInvalid:
		return validationFailed("Unable to process subscription.", nil)
	}
	return response{
		statusCode: http.StatusOK,
		Success:    true,
		Message:    subscribeMessage(t.Result),
		Data: subscriptionData{
			SubscriptionID:       sub.ID,
			Email:                sub.Email,
			Status:               sub.Status,
			RequiresConfirmation: sub.RequiresConfirmation(),
		},
		header: http.Header{"X-Subscription-Id": {sub.ID}},
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Unsubscribe is the handler for /api/v1/unsubscribe.
//   POST /api/v1/unsubscribe
//        email: Address to opt out.
//        reason (optional): Stored with the subscription.
// Always answers the same way, so callers cannot learn whether an
// address was subscribed.
func (api *API) unsubscribe(r *http.Request) response {
	processed := response{statusCode: http.StatusOK, Success: true, Message: messageUnsubscribed}
	project, ok := admission.TenantFrom(r.Context())
	if !ok {
		logging.Error().Msg("unsubscribe reached without an admitted project")
		return processed
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	var req unsubscribeRequest
	if err := decodeBody(r, &req, map[string]*string{"email": &req.Email, "reason": &req.Reason}); err != nil {
		logging.Debug().Err(err).Int64("project", project.ID).Msg("ignoring malformed unsubscribe request")
		return processed
	}
	email := models.NormalizeEmail(req.Email)
	if email == "" {
		return processed
	}
	actor := models.Actor{
		IPAddress: admission.ClientIP(r),
		UserAgent: r.UserAgent(),
		At:        api.clock(),
	}
	if err := api.unsubscribeEmail(r, project, email, truncateRunes(req.Reason, maxReasonLength), actor); err != nil {
		logging.Error().Err(err).
			Int64("project", project.ID).
			Str("email_hash", util.HashEmail(email)).
			Msg("unsubscribe failed")
	}
	return processed
}

// unsubscribeEmail opts email out of project if it is on the list.
func (api *API) unsubscribeEmail(r *http.Request, project models.Project, email, reason string, actor models.Actor) error {
	var t models.Transition
	var id string
	err := api.transact(r.Context(), func(tx db.Tx) error {
		sub, err := tx.LockSubscription(r.Context(), project.ID, email)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id = sub.ID
		t = sub.Unsubscribe(project, actor, reason)
		if !t.Changed {
			return nil
		}
		if err := tx.UpdateSubscription(r.Context(), &sub); err != nil {
			return err
		}
		tx.Enqueue(t.Jobs...)
		return nil
	})
	if err != nil {
		return err
	}
	if t.Changed {
		recordTransition(t)
		logging.Info().
			Int64("project", project.ID).
			Str("subscription", id).
			Str("email_hash", util.HashEmail(email)).
			Msg("user unsubscribed")
	}
	return nil
}
