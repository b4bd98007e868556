package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
	"github.com/EFForg/newsletter-backend/requestlog"
)

// taskStore is what the administrative tasks need from the database.
type taskStore interface {
	PutProject(context.Context, *models.Project) error
	UpdateProject(context.Context, models.Project) error
	GetProjectByPublicID(context.Context, string) (models.Project, error)
	DeleteRequestLogsBefore(context.Context, time.Time) (int64, error)
}

// projectOutput is printed after each project task. The secret key is
// only shown when it was just generated.
type projectOutput struct {
	PublicID           string   `json:"public_id"`
	SecretKey          string   `json:"secret_key,omitempty"`
	Name               string   `json:"name"`
	Status             string   `json:"status"`
	AllowedOrigins     []string `json:"allowed_origins"`
	DoubleOptIn        bool     `json:"double_opt_in"`
	WelcomeEmail       bool     `json:"welcome_email"`
	AdminNotifications bool     `json:"admin_notifications"`
}

func printProject(out io.Writer, p models.Project, showKey bool) error {
	o := projectOutput{
		PublicID:           p.PublicID,
		Name:               p.Name,
		Status:             string(p.Status),
		AllowedOrigins:     []string(p.AllowedOrigins),
		DoubleOptIn:        p.DoubleOptIn,
		WelcomeEmail:       p.WelcomeEmail,
		AdminNotifications: p.AdminNotifications,
	}
	if showKey {
		o.SecretKey = p.SecretKey
	}
	b, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", b)
	return err
}

func splitOrigins(list string) []string {
	origins := []string{}
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func runTask(ctx context.Context, store taskStore, name string, args []string, out io.Writer) error {
	logging.Info().Str("task", name).Msg("running task")
	switch name {
	case "create-project":
		return createProject(ctx, store, args, out)
	case "rotate-key":
		return updateProject(ctx, store, args, out, true, func(p *models.Project, _ []string) error {
			key, err := models.NewSecretKey()
			p.SecretKey = key
			return err
		})
	case "activate-project":
		return updateProject(ctx, store, args, out, false, func(p *models.Project, _ []string) error {
			p.Status = models.ProjectActive
			return nil
		})
	case "deactivate-project":
		return updateProject(ctx, store, args, out, false, func(p *models.Project, _ []string) error {
			p.Status = models.ProjectInactive
			return nil
		})
	case "set-origins":
		return updateProject(ctx, store, args, out, false, func(p *models.Project, rest []string) error {
			p.AllowedOrigins = splitOrigins(strings.Join(rest, ","))
			return nil
		})
	case "prune-request-logs":
		return pruneRequestLogs(ctx, store, args, out)
	default:
		return fmt.Errorf("unknown task %q", name)
	}
}

func createProject(ctx context.Context, store taskStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create-project", flag.ContinueOnError)
	fs.SetOutput(out)
	name := fs.String("name", "", "display name shown on confirmation pages and emails")
	origins := fs.String("origins", "", "comma separated origins allowed to call the API from a browser")
	singleOptIn := fs.Bool("single-opt-in", false, "subscribe immediately without a confirmation email")
	welcome := fs.Bool("welcome", false, "send a welcome email once subscribed")
	admin := fs.Bool("admin-notifications", false, "notify the admin address of subscription events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return fmt.Errorf("create-project: -name is required")
	}

	p, err := models.NewProject(strings.TrimSpace(*name), splitOrigins(*origins), time.Now())
	if err != nil {
		return err
	}
	p.DoubleOptIn = !*singleOptIn
	p.WelcomeEmail = *welcome
	p.AdminNotifications = *admin
	if err := store.PutProject(ctx, &p); err != nil {
		return fmt.Errorf("create-project: %w", err)
	}
	return printProject(out, p, true)
}

func updateProject(ctx context.Context, store taskStore, args []string, out io.Writer, showKey bool,
	change func(*models.Project, []string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("expected a project public id")
	}
	p, err := store.GetProjectByPublicID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("looking up project %s: %w", args[0], err)
	}
	if err := change(&p, args[1:]); err != nil {
		return err
	}
	if err := store.UpdateProject(ctx, p); err != nil {
		return fmt.Errorf("updating project %s: %w", p.PublicID, err)
	}
	return printProject(out, p, showKey)
}

func pruneRequestLogs(ctx context.Context, store taskStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("prune-request-logs", flag.ContinueOnError)
	fs.SetOutput(out)
	days := fs.Int("days", 365, "keep entries newer than this many days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days < 1 {
		return fmt.Errorf("prune-request-logs: -days must be positive")
	}
	pruner := requestlog.Pruner{Store: store, Retention: time.Duration(*days) * 24 * time.Hour}
	n, err := pruner.Prune(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "deleted %d request log entries\n", n)
	return err
}
