// Package inference owns the resident speech model: it resolves model
// profiles, loads models through a pluggable backend and deduplicates
// concurrent loads.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// ErrNoModel is returned when a load is requested without a model identifier.
var ErrNoModel = errors.New("no model selected")

// ModelInfo describes the resident model.
type ModelInfo struct {
	ModelID string
	Model   string
	Device  string
	DType   string
}

// Handle is a loaded model. A handle stays usable until the adapter replaces
// it; Transcribe calls in flight finish before the model is closed.
type Handle struct {
	ModelID string
	Profile Profile
	Info    ModelInfo

	mu          sync.RWMutex
	transcriber Transcriber
	closed      bool
}

// Transcribe runs the model on 16kHz mono samples using the handle's profile.
// language is the settings code; it is mapped before reaching the backend.
func (h *Handle) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return "", fmt.Errorf("model %s was unloaded", h.ModelID)
	}
	return h.transcriber.Transcribe(ctx, samples, Options{Language: MapLanguage(language), Profile: h.Profile})
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.transcriber.Close()
}

// Adapter keeps at most one model resident.
type Adapter struct {
	backend Backend
	log     *slog.Logger
	group   singleflight.Group

	mu       sync.Mutex
	current  *Handle
	observer ProgressFunc
	onLoaded func(ModelInfo)

	loads    metric.Int64Counter
	loadTime metric.Float64Histogram
}

func NewAdapter(backend Backend, log *slog.Logger) *Adapter {
	a := &Adapter{
		backend: backend,
		log:     log.With(slog.String("component", "inference")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/inference")
	var err error
	if a.loads, err = meter.Int64Counter("scribe.inference.model_loads",
		metric.WithDescription("Model load attempts by outcome")); err != nil {
		a.log.Warn("failed to initialize model load counter", slogError(err))
	}
	if a.loadTime, err = meter.Float64Histogram("scribe.inference.load_seconds",
		metric.WithDescription("Model load duration"), metric.WithUnit("s")); err != nil {
		a.log.Warn("failed to initialize model load histogram", slogError(err))
	}
	return a
}

// SetProgressObserver registers the receiver of load progress events.
func (a *Adapter) SetProgressObserver(fn ProgressFunc) {
	a.mu.Lock()
	a.observer = fn
	a.mu.Unlock()
}

// SetLoadedObserver registers a callback invoked after each successful load.
func (a *Adapter) SetLoadedObserver(fn func(ModelInfo)) {
	a.mu.Lock()
	a.onLoaded = fn
	a.mu.Unlock()
}

// GetOrLoad returns the resident handle for modelID, joining an in-flight
// load of the same model or starting a new one. A successful load replaces
// and closes the previous handle; a failed load leaves it in place.
func (a *Adapter) GetOrLoad(ctx context.Context, modelID string) (*Handle, error) {
	if modelID == "" {
		return nil, ErrNoModel
	}
	a.mu.Lock()
	if a.current != nil && a.current.ModelID == modelID {
		h := a.current
		a.mu.Unlock()
		return h, nil
	}
	from := "none"
	if a.current != nil {
		from = a.current.ModelID
	}
	a.mu.Unlock()

	ch := a.group.DoChan(modelID, func() (any, error) {
		a.log.Info("model switch", slog.String("from", from), slog.String("to", modelID))
		return a.load(context.WithoutCancel(ctx), modelID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) load(ctx context.Context, modelID string) (*Handle, error) {
	a.mu.Lock()
	if a.current != nil && a.current.ModelID == modelID {
		h := a.current
		a.mu.Unlock()
		return h, nil
	}
	observer := a.observer
	a.mu.Unlock()

	profile, tuned := ProfileFor(modelID)
	if !tuned {
		a.log.Info("no tuned profile, using defaults", slog.String("model", modelID))
	}

	started := time.Now()
	transcriber, err := a.backend.Load(ctx, modelID, profile, observer)
	a.record(ctx, modelID, started, err)
	if err != nil {
		a.log.Warn("model load failed", slog.String("model", modelID), slogError(err))
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}

	h := &Handle{
		ModelID: modelID,
		Profile: profile,
		Info: ModelInfo{
			ModelID: modelID,
			Model:   ModelName(modelID),
			Device:  a.backend.Device(),
			DType:   profile.DType,
		},
		transcriber: transcriber,
	}

	a.mu.Lock()
	previous := a.current
	a.current = h
	onLoaded := a.onLoaded
	a.mu.Unlock()

	if previous != nil {
		if err := previous.close(); err != nil {
			a.log.Warn("failed to close previous model", slog.String("model", previous.ModelID), slogError(err))
		}
	}
	a.log.Info("model loaded",
		slog.String("model", modelID),
		slog.String("device", h.Info.Device),
		slog.String("dtype", h.Info.DType),
		slog.Duration("elapsed", time.Since(started)))
	if onLoaded != nil {
		onLoaded(h.Info)
	}
	return h, nil
}

func (a *Adapter) record(ctx context.Context, modelID string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", a.backend.Name()),
		attribute.String("model", ModelName(modelID)),
		attribute.String("outcome", outcome),
	)
	if a.loads != nil {
		a.loads.Add(ctx, 1, attrs)
	}
	if a.loadTime != nil {
		a.loadTime.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

// Current returns the resident handle, if any.
func (a *Adapter) Current() (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.current != nil
}

// Info describes the resident model, if any.
func (a *Adapter) Info() (ModelInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ModelInfo{}, false
	}
	return a.current.Info, true
}

// Close unloads the resident model.
func (a *Adapter) Close() error {
	a.mu.Lock()
	h := a.current
	a.current = nil
	a.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
