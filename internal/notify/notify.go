// Package notify is the boundary to the outside world for phase and rule notifications.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"phaseline/internal/domain"
)

// Notification kinds emitted by the engine itself; rules may send any kind.
const (
	KindPhaseAdvanced    = "phase_advanced"
	KindProjectCompleted = "project_completed"
)

// Recipient roles.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

type Notification struct {
	ProjectID     string         `json:"project_id"`
	RecipientRole string         `json:"recipient_role"`
	Kind          string         `json:"kind"`
	Data          map[string]any `json:"data,omitempty"`
}

// Dispatcher delivers a notification. Errors are reported to the caller, who logs them.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n Notification) error

func (f DispatcherFunc) Dispatch(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop drops every notification.
var Nop Dispatcher = DispatcherFunc(func(context.Context, Notification) error { return nil })

type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, n Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"project_id", n.ProjectID,
		"recipient", n.RecipientRole,
		"kind", n.Kind,
		"data", n.Data,
	)
	return nil
}

// Multi fans out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send dispatches and logs failures as NotificationDispatchError; it never returns an error
// so phase state never depends on delivery.
func Send(ctx context.Context, d Dispatcher, logger *slog.Logger, n Notification) {
	if d == nil {
		return
	}
	if err := d.Dispatch(ctx, n); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		derr := &domain.NotificationDispatchError{ProjectID: n.ProjectID, Kind: n.Kind, Err: err}
		logger.WarnContext(ctx, "notification dispatch failed", "project_id", n.ProjectID, "kind", n.Kind, "error", derr)
	}
}
