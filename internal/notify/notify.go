// Package notify delivers new-message notifications.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/beeep"
)

// DefaultAppName is used when Desktop.AppName is empty.
const DefaultAppName = "chat-sync"

// notifyFunc matches beeep.Notify; swapped out in tests.
type notifyFunc func(title, message string, icon any) error

// Desktop shows a system notification through the platform notifier
// (D-Bus on Linux, toast on Windows, osascript on macOS).
type Desktop struct {
	// AppName is set as beeep's application name.
	AppName string
	// Icon is an optional path to an image shown with the notification.
	Icon string

	send notifyFunc
}

// NewDesktop returns a Desktop notifier.
func NewDesktop(appName, icon string) *Desktop {
	if appName == "" {
		appName = DefaultAppName
	}

	beeep.AppName = appName

	return &Desktop{AppName: appName, Icon: icon, send: beeep.Notify}
}

// Notify shows title and body.
func (d *Desktop) Notify(title, body string) error {
	send := d.send
	if send == nil {
		send = beeep.Notify
	}

	var icon any
	if d.Icon != "" {
		icon = d.Icon
	}

	if err := send(title, body, icon); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}

	return nil
}

// Log writes notifications to a logger. Used on headless hosts and as
// the fallback when desktop notifications are disabled.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(title, body string) error {
	l.logger.Info("new message",
		slog.String("title", title),
		slog.String("body", body),
	)

	return nil
}

// Fanout delivers to every notifier and returns the first error.
type Fanout []interface {
	Notify(title, body string) error
}

func (f Fanout) Notify(title, body string) error {
	var first error

	for _, n := range f {
		if err := n.Notify(title, body); err != nil && first == nil {
			first = err
		}
	}

	return first
}
