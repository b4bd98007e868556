package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/EFForg/newsletter-backend/admission"
	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
	"github.com/EFForg/newsletter-backend/signing"
	"github.com/EFForg/newsletter-backend/util"
)

var (
	errInvalidLink     = errors.New("invalid link")
	errInactiveProject = errors.New("project is not active")
)

func invalidLink() response {
	return renderPage(http.StatusNotFound, "Invalid link",
		"This link is invalid or has expired.")
}

func invalidResubscribe() response {
	return renderPage(http.StatusBadRequest, "Invalid request", "Invalid resubscribe request.")
}

func pageActor(r *http.Request, api *API) models.Actor {
	return models.Actor{
		IPAddress: admission.ClientIP(r),
		UserAgent: r.UserAgent(),
		At:        api.clock(),
	}
}

// lockWithProject loads a subscription under lock together with its
// project, which must still be active.
func (api *API) lockWithProject(ctx context.Context, tx db.Tx, id string) (models.Subscription, models.Project, error) {
	sub, err := tx.LockSubscriptionByID(ctx, id)
	if err != nil {
		return sub, models.Project{}, err
	}
	project, err := api.Database.GetProject(ctx, sub.ProjectID)
	if err != nil {
		return sub, project, err
	}
	if !project.IsActive() {
		return sub, project, errInactiveProject
	}
	return sub, project, nil
}

func missing(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, errInactiveProject)
}

// Confirm is the handler for the link in confirmation emails.
//   GET /confirm?token=<token>
//        token: Signed subscription id, valid for the confirmation TTL.
// Renders the outcome for whatever state the subscription is in.
func (api *API) confirm(r *http.Request) response {
	payload, err := api.Signer.Verify(r.URL.Query().Get("token"))
	if err != nil || payload.Purpose != signing.PurposeConfirm || payload.Subject == "" {
		return invalidLink()
	}
	var t models.Transition
	var project models.Project
	var sub models.Subscription
	err = api.transact(r.Context(), func(tx db.Tx) error {
		var lerr error
		sub, project, lerr = api.lockWithProject(r.Context(), tx, payload.Subject)
		if lerr != nil {
			return lerr
		}
		t = sub.Confirm(project, pageActor(r, api))
		if !t.Changed {
			return nil
		}
		if err := tx.UpdateSubscription(r.Context(), &sub); err != nil {
			return err
		}
		tx.Enqueue(t.Jobs...)
		return nil
	})
	if missing(err) {
		return invalidLink()
	}
	if err != nil {
		resp := renderPage(http.StatusInternalServerError, "Something went wrong",
			"An error occurred while confirming your subscription.")
		resp.err = fmt.Errorf("confirming %s: %w", payload.Subject, err)
		return resp
	}
	recordTransition(t)

	var resp response
	switch t.Result {
	case models.ResultConfirmed:
		logging.Info().
			Str("subscription", sub.ID).
			Int64("project", project.ID).
			Str("email_hash", util.HashEmail(sub.Email)).
			Msg("subscription confirmed")
		resp = renderPage(http.StatusOK, "Subscription confirmed",
			"Your subscription has been confirmed successfully!")
	case models.ResultAlreadyConfirmed:
		resp = renderPage(http.StatusOK, "Already confirmed", "Your subscription was already confirmed.")
	case models.ResultResubscribeOffer:
		action, err := api.Links.ResubscribeURL(sub.ID)
		if err != nil {
			resp = renderPage(http.StatusInternalServerError, "Something went wrong",
				"An error occurred while confirming your subscription.")
			resp.err = err
			return resp
		}
		resp = renderPage(http.StatusOK, "Resubscribe?",
			"You had previously unsubscribed. Would you like to resubscribe?")
		resp.templateName = "resubscribe"
		page := resp.Data.(pageData)
		page.ActionURL = action
		resp.Data = page
	case models.ResultBounced:
		resp = renderPage(http.StatusOK, "Undeliverable address", messageUndeliverable)
	default:
		return renderPage(http.StatusBadRequest, "Invalid link", "Invalid subscription status.")
	}
	page := resp.Data.(pageData)
	page.Project = project.Name
	resp.Data = page
	return resp
}

// Resubscribe is the handler for the form on the resubscribe offer page.
//   POST /confirm/{id}/resubscribe?token=<token>
//        token: Signed subscription id, which must equal {id}.
// Only an unsubscribed subscription can be resubscribed this way.
func (api *API) resubscribe(r *http.Request) response {
	id := chi.URLParam(r, "id")
	payload, err := api.Signer.Verify(r.URL.Query().Get("token"))
	if err != nil || payload.Purpose != signing.PurposeConfirm || payload.Subject != id {
		return invalidResubscribe()
	}
	var t models.Transition
	var project models.Project
	var sub models.Subscription
	err = api.transact(r.Context(), func(tx db.Tx) error {
		var lerr error
		sub, project, lerr = api.lockWithProject(r.Context(), tx, id)
		if lerr != nil {
			return lerr
		}
		t = sub.Resubscribe(project, pageActor(r, api))
		if !t.Changed {
			return errInvalidLink
		}
		if err := tx.UpdateSubscription(r.Context(), &sub); err != nil {
			return err
		}
		tx.Enqueue(t.Jobs...)
		return nil
	})
	switch {
	case missing(err):
		return invalidLink()
	case errors.Is(err, errInvalidLink):
		return invalidResubscribe()
	case err != nil:
		resp := renderPage(http.StatusInternalServerError, "Something went wrong",
			"An error occurred while resubscribing.")
		resp.err = fmt.Errorf("resubscribing %s: %w", id, err)
		return resp
	}
	recordTransition(t)
	logging.Info().
		Str("subscription", sub.ID).
		Int64("project", project.ID).
		Str("email_hash", util.HashEmail(sub.Email)).
		Msg("user resubscribed")
	resp := renderPage(http.StatusOK, "Welcome back", messageResubscribed)
	resp.Data = pageData{Title: "Welcome back", Project: project.Name}
	return resp
}

// UnsubscribeViaURL is the handler for the link at the bottom of emails.
//   GET /unsubscribe?project=<public id>&email=<address>&token=<token>
// Every request gets the same page, whether or not anything changed.
func (api *API) unsubscribeViaURL(r *http.Request) response {
	done := renderPage(http.StatusOK, "Unsubscribed", "You have been unsubscribed.")
	q := r.URL.Query()
	publicID := q.Get("project")
	email := models.NormalizeEmail(q.Get("email"))
	payload, err := api.Signer.Verify(q.Get("token"))
	if err != nil || payload.Purpose != signing.PurposeUnsubscribe ||
		payload.Project != publicID || payload.Email != email || email == "" {
		return done
	}
	project, err := api.Database.GetProjectByPublicID(r.Context(), publicID)
	if err != nil || !project.IsActive() {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			logging.Error().Err(err).Str("project", publicID).Msg("url unsubscribe failed")
		}
		return done
	}
	actor := pageActor(r, api)
	actor.Meta = models.Meta{"unsubscribed_via": "email_link"}
	if err := api.unsubscribeEmail(r, project, email, "", actor); err != nil {
		logging.Error().Err(err).
			Str("project", publicID).
			Str("email_hash", util.HashEmail(email)).
			Msg("url unsubscribe failed")
	}
	return done
}
