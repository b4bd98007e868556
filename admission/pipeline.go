// Package admission decides whether a request may reach an endpoint
// handler. Credentials, CORS and rate limiting run as ordered stages.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/metrics"
	"github.com/EFForg/newsletter-backend/models"
)

// State accumulates what earlier stages learned about a request.
type State struct {
	Tenant *models.Project
	// Header is copied onto the final response.
	Header http.Header
}

// Response is a halt written instead of calling the endpoint.
type Response struct {
	Status int
	Kind   Kind
	// Empty suppresses the JSON body.
	Empty  bool
	Header http.Header
}

// Outcome is either a halt or a continuation with updated state.
type Outcome struct {
	Halt  *Response
	State State
}

// Continue passes s to the next stage.
func Continue(s State) Outcome {
	return Outcome{State: s}
}

// Reject halts with the status and message of kind.
func Reject(kind Kind, s State) Outcome {
	return Outcome{Halt: &Response{Status: kind.Status(), Kind: kind}, State: s}
}

// Stage is one admission check.
type Stage interface {
	Name() string
	Admit(ctx context.Context, req *Request, s State) Outcome
}

// Observer is told about every request the pipeline handled.
type Observer interface {
	Observe(req *Request, tenant *models.Project, status int, elapsed time.Duration)
}

// Pipeline runs stages in order.
type Pipeline struct {
	stages   []Stage
	observer Observer
	now      func() time.Time
}

// NewPipeline builds a pipeline. observer may be nil.
func NewPipeline(observer Observer, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, observer: observer, now: time.Now}
}

// Run drives req through every stage, stopping at the first halt.
func (p *Pipeline) Run(ctx context.Context, req *Request) (State, *Response) {
	s := State{Header: http.Header{}}
	for _, stage := range p.stages {
		out := stage.Admit(ctx, req, s)
		if out.State.Header == nil {
			out.State.Header = s.Header
		}
		s = out.State
		if out.Halt != nil {
			metrics.RecordAdmission(stage.Name(), out.Halt.Kind.Code())
			return s, out.Halt
		}
		metrics.RecordAdmission(stage.Name(), "pass")
	}
	return s, nil
}

// SecurityHeaders are set on every response the pipeline touches.
var SecurityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"X-XSS-Protection":        "1; mode=block",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none';",
}

// Handler admits requests of class before handing them to next.
func (p *Pipeline) Handler(class Class, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := p.now()
		req := NewRequest(r, class, start)
		s, halt := p.Run(r.Context(), req)

		header := w.Header()
		header.Add("Vary", "Origin")
		for k, v := range SecurityHeaders {
			header.Set(k, v)
		}
		for k, vs := range s.Header {
			header[k] = vs
		}

		status := http.StatusOK
		if halt != nil {
			status = halt.Status
			writeHalt(w, halt)
		} else {
			ctx := r.Context()
			if s.Tenant != nil {
				ctx = WithTenant(ctx, *s.Tenant)
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			status = rec.status
		}
		if p.observer != nil {
			p.observer.Observe(req, s.Tenant, status, p.now().Sub(start))
		}
	})
}

type haltBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeHalt(w http.ResponseWriter, halt *Response) {
	for k, vs := range halt.Header {
		w.Header()[k] = vs
	}
	if halt.Empty {
		w.WriteHeader(halt.Status)
		return
	}
	b, err := json.Marshal(haltBody{Error: halt.Kind.Code(), Message: halt.Kind.Message()})
	if err != nil {
		logging.Error().Err(err).Msg("encoding admission response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(halt.Status)
	fmt.Fprintf(w, "%s\n", b)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}
