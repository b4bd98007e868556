package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/EFForg/newsletter-backend/admission"
	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/metrics"
	"github.com/EFForg/newsletter-backend/models"
	"github.com/EFForg/newsletter-backend/signing"
)

////////////////////////////////
//  *****   REST API   *****  //
////////////////////////////////

//go:embed views/*.html.tmpl
var views embed.FS

// API is the HTTP API that this service provides.
// JSON endpoints respond with an envelope:
// {
//     success // Whether the request did what was asked.
//     message // Human readable outcome.
//     error   // Machine readable error code, on failure.
//     data    // Response data for this request.
//     errors  // Validation messages keyed by field.
// }
// Pages reached from email links render HTML instead.
type API struct {
	Database db.Database
	// Admission guards every /api/v1 endpoint.
	Admission *admission.Pipeline
	Queue     JobQueue
	Signer    signing.Signer
	Links     LinkBuilder
	// Denylist holds mail domains that may not subscribe.
	Denylist models.DomainDenylist
	// SESAuthorizeKey must be presented by the SNS webhook. Empty disables it.
	SESAuthorizeKey string
	// BaseURL is the public address of this service, used in page links.
	BaseURL   string
	Templates map[string]*template.Template

	now func() time.Time
}

// JobQueue accepts the jobs produced by committed transitions.
type JobQueue interface {
	Enqueue(ctx context.Context, jobs ...models.Job) error
}

// LinkBuilder mints the signed URLs offered on pages.
type LinkBuilder interface {
	ResubscribeURL(subscriptionID string) (string, error)
}

type response struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Data    interface{}         `json:"data,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`

	statusCode   int
	templateName string
	header       http.Header
	// err is the internal cause of a 500. It is reported, never rendered.
	err error
}

type apiHandler func(r *http.Request) response

func (api *API) clock() time.Time {
	if api.now == nil {
		return time.Now()
	}
	return api.now()
}

func (api *API) report(r *http.Request, resp response) {
	if resp.statusCode != http.StatusInternalServerError {
		return
	}
	err := resp.err
	if err == nil {
		err = errors.New(resp.Message)
	}
	logging.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	raven.CaptureError(err, map[string]string{"path": r.URL.Path})
}

// wrapper turns an apiHandler into a JSON endpoint.
func (api *API) wrapper(handler apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := handler(r)
		api.report(r, resp)
		for k, vs := range resp.header {
			w.Header()[k] = vs
		}
		api.writeJSON(w, resp)
	}
}

// page turns an apiHandler into an HTML endpoint.
func (api *API) page(handler apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := handler(r)
		api.report(r, resp)
		api.writeHTML(w, resp)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"ok":true}`)
}

// RegisterHandlers binds API functions to the given router.
func (api *API) RegisterHandlers(r chi.Router) {
	r.Get("/health", healthHandler)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler)

		subscribe := api.Admission.Handler(admission.ClassSubscribe, api.wrapper(api.subscribe))
		r.Method(http.MethodPost, "/subscriptions", subscribe)
		r.Method(http.MethodOptions, "/subscriptions", subscribe)

		unsubscribe := api.Admission.Handler(admission.ClassUnsubscribe, api.wrapper(api.unsubscribe))
		r.Method(http.MethodPost, "/unsubscribe", unsubscribe)
		r.Method(http.MethodOptions, "/unsubscribe", unsubscribe)

		// Preflights for any other path still get a CORS answer.
		r.Method(http.MethodOptions, "/*", api.Admission.Handler(admission.ClassSubscribe, http.NotFoundHandler()))
	})

	r.Get("/unsubscribe", api.page(api.unsubscribeViaURL))
	// RFC 8058 one-click unsubscribe posts to the List-Unsubscribe URL.
	r.Post("/unsubscribe", api.page(api.unsubscribeViaURL))
	r.Get("/confirm", api.page(api.confirm))
	r.Post("/confirm/{id}/resubscribe", api.page(api.resubscribe))
	r.Post("/sns", api.HandleSESNotification)
}

// transact runs fn in a transaction and hands the jobs it queued to the
// job queue once it commits. A duplicate insert means a concurrent request
// created the row first, so fn runs again and finds it.
func (api *API) transact(ctx context.Context, fn func(db.Tx) error) error {
	var jobs []models.Job
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		jobs, err = api.Database.Transact(ctx, fn)
		if !errors.Is(err, db.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return err
	}
	api.enqueue(ctx, jobs)
	return nil
}

func (api *API) enqueue(ctx context.Context, jobs []models.Job) {
	if len(jobs) == 0 || api.Queue == nil {
		return
	}
	if err := api.Queue.Enqueue(context.WithoutCancel(ctx), jobs...); err != nil {
		logging.Error().Err(err).Int("jobs", len(jobs)).Msg("could not enqueue jobs")
		raven.CaptureError(err, nil)
	}
}

func recordTransition(t models.Transition) {
	metrics.RecordTransition(string(t.From), string(t.To), string(t.Result))
}

// Writes `apiResponse` as a JSON object to http.ResponseWriter `w`. If an error
// occurs, writes `http.StatusInternalServerError` to `w`.
func (api *API) writeJSON(w http.ResponseWriter, apiResponse response) {
	b, err := json.MarshalIndent(apiResponse, "", "  ")
	if err != nil {
		msg := fmt.Sprintf("Internal error: could not format JSON. (%s)\n", err)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiResponse.statusCode)
	fmt.Fprintf(w, "%s\n", b)
}

// pageData is what page templates render besides the message.
type pageData struct {
	Title     string
	Project   string
	ActionURL string
}

// ParseTemplates initializes our HTML template data
func (api *API) ParseTemplates() error {
	names := []string{"default", "resubscribe"}
	api.Templates = make(map[string]*template.Template)
	for _, name := range names {
		tmpl, err := template.ParseFS(views, fmt.Sprintf("views/%s.html.tmpl", name))
		if err != nil {
			return fmt.Errorf("parsing %s template: %w", name, err)
		}
		api.Templates[name] = tmpl
	}
	return nil
}

func (api *API) writeHTML(w http.ResponseWriter, apiResponse response) {
	page, _ := apiResponse.Data.(pageData)
	// Add some additional useful fields for use in templates.
	data := struct {
		Message    string
		Page       pageData
		BaseURL    string
		StatusText string
	}{
		Message:    apiResponse.Message,
		Page:       page,
		BaseURL:    api.BaseURL,
		StatusText: http.StatusText(apiResponse.statusCode),
	}
	if apiResponse.templateName == "" {
		apiResponse.templateName = "default"
	}
	tmpl, ok := api.Templates[apiResponse.templateName]
	if !ok {
		err := fmt.Errorf("template not found: %s", apiResponse.templateName)
		raven.CaptureError(err, nil)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(apiResponse.statusCode)
	if err := tmpl.Execute(w, data); err != nil {
		logging.Error().Err(err).Str("template", apiResponse.templateName).Msg("rendering page")
		raven.CaptureError(err, nil)
	}
}

func validationFailed(message string, errs map[string][]string) response {
	return response{
		statusCode: http.StatusUnprocessableEntity,
		Message:    message,
		Error:      admission.ValidationFailed.Code(),
		Errors:     errs,
	}
}

func serverError(err error) response {
	return response{
		statusCode: http.StatusInternalServerError,
		Message:    "An unexpected error occurred. Please try again.",
		Error:      admission.InternalError.Code(),
		err:        err,
	}
}

func renderPage(status int, title, message string) response {
	return response{
		statusCode: status,
		Message:    message,
		Data:       pageData{Title: title},
	}
}
