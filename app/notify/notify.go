// Package notify delivers job outcome notifications via email and webhooks
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Service wraps notification destinations and template management
type Service struct {
	Params
	SendersParams
	destinations []notify.Notifier
}

// Params which are specific to notify service
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // custom error template, empty if default
	CompletionTemplate string // custom completion template, empty if default
}

// SendersParams contains params specific for senders, i.e. email or webhook
type SendersParams struct {
	FromEmail    string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool
	SMTPTimeOut  time.Duration

	ToEmails    []string
	WebhookURLs []string
}

const defaultErrorTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<style>
		body {font-family: sans-serif; font-size: 14px;}
		.bold {font-weight: bold;}
		.error {color: #c0392b;}
		pre {background: #f4f4f4; padding: 8px;}
	</style>
</head>
<body>
<p>Analysis job failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
<ul>
	<li>Job: <span class="bold">{{.JobID}}</span></li>
	<li>Patient: <span class="bold">{{.Patient}}</span></li>
</ul>
<p class="error">Error log:</p>
<pre>{{.Error}}</pre>
</body>
</html>`

const defaultCompletionTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<style>
		body {font-family: sans-serif; font-size: 14px;}
		.bold {font-weight: bold;}
	</style>
</head>
<body>
<p>Analysis job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
<ul>
	<li>Job: <span class="bold">{{.JobID}}</span></li>
	<li>Patient: <span class="bold">{{.Patient}}</span></li>
</ul>
</body>
</html>`

// NewService makes notification service with the given senders. Returns nil
// if no destinations defined.
func NewService(p Params, sp SendersParams) *Service {
	res := Service{Params: p, SendersParams: sp}

	if len(sp.ToEmails) > 0 {
		email := notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			StartTLS:    sp.SMTPStartTLS,
			ContentType: "text/html",
			Charset:     "UTF-8",
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			TimeOut:     sp.SMTPTimeOut,
		})
		res.destinations = append(res.destinations, email)
		log.Printf("[DEBUG] email notifications enabled for %+v", sp.ToEmails)
	}

	if len(sp.WebhookURLs) > 0 {
		wh := notify.NewWebhook(notify.WebhookParams{
			Timeout: 5 * time.Second,
			Headers: []string{"Content-Type:text/html"},
		})
		res.destinations = append(res.destinations, wh)
		log.Printf("[DEBUG] webhook notifications enabled for %+v", sp.WebhookURLs)
	}

	if len(res.destinations) == 0 {
		return nil
	}
	return &res
}

// Send message to all destinations, returns error if any of destinations failed
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.destinations {
		switch dest.Schema() {
		case "mailto":
			if err := dest.Send(ctx, s.mkEmailDestination(subj), text); err != nil {
				errs = append(errs, err)
			}
		default:
			for _, u := range s.WebhookURLs {
				if err := dest.Send(ctx, u, text); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// IsOnError indicates if the error notification enabled
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion indicates if the completion notification enabled
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// MakeErrorHTML creates html body for the failed job notification
func (s *Service) MakeErrorHTML(jobID, patient, errorLog string) (string, error) {
	return s.render(s.ErrorTemplate, defaultErrorTemplate, tmplData{
		JobID:   jobID,
		Patient: patient,
		Error:   errorLog,
		Host:    makeHostName(),
		TS:      time.Now(),
	})
}

// MakeCompletionHTML creates html body for the completed job notification
func (s *Service) MakeCompletionHTML(jobID, patient string) (string, error) {
	return s.render(s.CompletionTemplate, defaultCompletionTemplate, tmplData{
		JobID:   jobID,
		Patient: patient,
		Host:    makeHostName(),
		TS:      time.Now(),
	})
}

type tmplData struct {
	JobID   string
	Patient string
	Error   string
	Host    string
	TS      time.Time
}

// render executes the custom template file if set and parseable, falls back
// to the built-in default otherwise
func (s *Service) render(custom, def string, data tmplData) (string, error) {
	t := template.Must(template.New("msg").Parse(def))
	if custom != "" {
		ct, err := template.ParseFiles(custom) //nolint:gosec // path from config
		if err != nil {
			log.Printf("[WARN] can't parse template %s, using default: %v", custom, err)
		} else {
			t = ct
		}
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("can't execute notification template: %w", err)
	}
	return buf.String(), nil
}

func (s *Service) mkEmailDestination(subj string) string {
	from := s.FromEmail
	if from == "" {
		from = "medq@" + makeHostName()
	}
	return fmt.Sprintf("mailto:%s?from=%s&subject=%s",
		strings.Join(s.ToEmails, ","), from, url.QueryEscape(subj))
}

func makeHostName() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "localhost"
}
