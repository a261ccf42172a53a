// Package alert delivers operational alerts to chat platforms.
package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/zulandar/arena/internal/models"
)

// Color constants for alert severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Alert is one platform-neutral message.
type Alert struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Fields   []Field
}

// Field is a key-value pair shown with an alert.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Color returns the sidebar color for the alert's severity.
func (a Alert) Color() string {
	switch a.Severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Notifier sends alerts to one destination.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi sends every alert to all of its notifiers.
type Multi []Notifier

// Notify implements Notifier. All notifiers are attempted; their errors are joined.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JobFailed formats a permanently failed analysis job.
func JobFailed(job models.AnalysisJob, err error) Alert {
	return Alert{
		Title:    fmt.Sprintf("Analysis failed for session %s", job.Subject),
		Body:     truncate(err.Error(), 500),
		Severity: "error",
		Fields: []Field{
			{Name: "Function", Value: job.FunctionName, Short: true},
			{Name: "Attempts", Value: fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts), Short: true},
			{Name: "Job", Value: job.DedupKey, Short: true},
			{Name: "Retry", Value: "arena jobs retry " + job.Subject, Short: true},
		},
	}
}

// FailureHook adapts n to the workflow permanent-failure callback. Delivery
// errors are logged, never returned.
func FailureHook(n Notifier) func(ctx context.Context, job models.AnalysisJob, err error) {
	return func(ctx context.Context, job models.AnalysisJob, err error) {
		if n == nil {
			return
		}
		if nerr := n.Notify(ctx, JobFailed(job, err)); nerr != nil {
			clog.FromContext(ctx).With("error", nerr.Error()).Warn("alert: notify failed")
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
