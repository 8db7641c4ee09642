// Package notify shows desktop notifications and mirrors the recording
// indicator.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Desktop posts notifications through the platform notification service.
// beeep cannot retract a notification, so the timeout is only recorded.
type Desktop struct {
	enabled bool
	icon    string
	timeout time.Duration
	log     *slog.Logger
	send    func(title, message, icon string) error
}

func NewDesktop(cfg config.NotifyConfig, timeout time.Duration, log *slog.Logger) *Desktop {
	return &Desktop{
		enabled: cfg.Enabled,
		icon:    cfg.IconPath,
		timeout: timeout,
		log:     log.With(slog.String("component", "notify")),
		send:    func(title, message, icon string) error {
			return beeep.Notify(title, message, icon)
		},
	}
}

func (d *Desktop) Notify(_ context.Context, title, message string) error {
	if !d.enabled {
		d.log.Debug("notification suppressed", slog.String("title", title))
		return nil
	}
	if err := d.send(title, message, d.icon); err != nil {
		return err
	}
	d.log.Debug("notification shown",
		slog.String("title", title),
		slog.Duration("timeout", d.timeout))
	return nil
}

// Indicator tracks the recording badge and logs its transitions.
type Indicator struct {
	mu    sync.Mutex
	badge string
	log   *slog.Logger
}

func NewIndicator(log *slog.Logger) *Indicator {
	return &Indicator{log: log.With(slog.String("component", "indicator"))}
}

// SetRecording shows "REC" while recording and clears it otherwise.
func (i *Indicator) SetRecording(recording bool) {
	badge := ""
	if recording {
		badge = "REC"
	}
	i.mu.Lock()
	changed := i.badge != badge
	i.badge = badge
	i.mu.Unlock()
	if changed {
		i.log.Info("recording indicator", slog.Bool("recording", recording))
	}
}

func (i *Indicator) Badge() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.badge
}
