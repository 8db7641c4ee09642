// Package clipboard copies transcripts to the system clipboard, falling back
// to an external copy command when the native method fails.
package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	atotto "github.com/atotto/clipboard"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Method names the copy strategy that succeeded.
type Method string

const (
	MethodNative   Method = "native"
	MethodFallback Method = "fallback"
	MethodSkipped  Method = "skipped"
)

// Writer is the primary clipboard surface.
type Writer interface {
	WriteAll(text string) error
}

type nativeWriter struct{}

func (nativeWriter) WriteAll(text string) error {
	if atotto.Unsupported {
		return errors.New("native clipboard unsupported")
	}
	return atotto.WriteAll(text)
}

// Copier tries the primary writer, then the fallback command.
type Copier struct {
	enabled  bool
	primary  Writer
	fallback []string
	log      *slog.Logger
}

func New(cfg config.ClipboardConfig, log *slog.Logger) (*Copier, error) {
	c := &Copier{
		enabled: cfg.Enabled,
		primary: nativeWriter{},
		log:     log.With(slog.String("component", "clipboard")),
	}
	if strings.TrimSpace(cfg.FallbackCommand) != "" {
		args, err := shellwords.Parse(cfg.FallbackCommand)
		if err != nil {
			return nil, fmt.Errorf("parse clipboard fallback command: %w", err)
		}
		c.fallback = args
	}
	return c, nil
}

// WithWriter replaces the primary writer.
func (c *Copier) WithWriter(w Writer) *Copier {
	c.primary = w
	return c
}

// Copy places text on the clipboard. Empty text is skipped.
func (c *Copier) Copy(ctx context.Context, text string) (Method, error) {
	if text == "" || !c.enabled {
		return MethodSkipped, nil
	}
	primaryErr := c.primary.WriteAll(text)
	if primaryErr == nil {
		return MethodNative, nil
	}
	c.log.Debug("native clipboard failed, trying fallback", slog.String("error", primaryErr.Error()))
	if len(c.fallback) == 0 {
		return "", fmt.Errorf("copy to clipboard: %w", primaryErr)
	}

	cmd := exec.CommandContext(ctx, c.fallback[0], c.fallback[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Join(
			fmt.Errorf("copy to clipboard: %w", primaryErr),
			fmt.Errorf("fallback %s: %w: %s", c.fallback[0], err, strings.TrimSpace(stderr.String())),
		)
	}
	return MethodFallback, nil
}
