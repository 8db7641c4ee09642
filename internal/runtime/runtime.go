// Package runtime assembles the daemon: telemetry, the message bus, and the
// controller and session components selected by the configured role.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/clipboard"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/notify"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/sound"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/textconv"
	"github.com/loqalabs/loqa-scribe/internal/transport"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	transport transport.Transport

	store      *store.Store
	controller *orchestrator.Controller
	host       session.Host
	presence   *session.Presence

	models  *inference.Adapter
	player  *sound.Player
	service *session.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until ctx is cancelled, then shuts every component down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("role", r.cfg.Role), slog.String("transport", r.cfg.Transport.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

// Ready reports whether every component started and the bus is connected.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	return true
}

// Transport exposes the message transport once the runtime is ready.
func (r *Runtime) Transport() transport.Transport {
	return r.transport
}

func (r *Runtime) startComponents(ctx context.Context) error {
	t, err := r.connectTransport(ctx)
	if err != nil {
		return err
	}
	r.transport = t

	switch r.cfg.Role {
	case config.RoleSession:
		svc, err := r.newSessionService(ctx)
		if err != nil {
			return err
		}
		r.service = svc
		return nil
	case config.RoleController:
		presence, err := session.NewPresence(t, time.Duration(r.cfg.Node.HeartbeatTimeout)*time.Millisecond, r.logger)
		if err != nil {
			return err
		}
		r.presence = presence
		r.host = session.NewRemoteHost(t, presence, r.logger)
	default:
		r.host = session.NewLocalHost(func() (*session.Service, error) {
			return r.newSessionService(ctx)
		}, r.logger)
	}
	return r.startController(ctx)
}

func (r *Runtime) connectTransport(ctx context.Context) (transport.Transport, error) {
	if r.cfg.Transport.Mode == "loopback" {
		r.logger.Info("using in-process transport")
		return transport.NewLoopback(ctx, r.logger), nil
	}

	busCfg := r.cfg.Bus
	if busCfg.Embedded && r.cfg.Role != config.RoleSession {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName+"-"+r.cfg.Role, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client
	timeout := time.Duration(r.cfg.Transport.RequestTimeoutMS) * time.Millisecond
	return transport.NewNATS(ctx, client, timeout, r.logger), nil
}

func (r *Runtime) startController(ctx context.Context) error {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.store = st

	defaults := protocol.Settings{
		Model:        r.cfg.Defaults.Model,
		Language:     r.cfg.Defaults.Language,
		EnableSounds: r.cfg.Defaults.EnableSounds,
	}
	timeout := time.Duration(r.cfg.Orchestrator.NotificationTimeoutMS) * time.Millisecond
	r.controller = orchestrator.NewController(orchestrator.Dependencies{
		Transport: r.transport,
		Host:      r.host,
		States:    store.NewStateRepository(st),
		Settings:  store.NewSettingsRepository(st, defaults),
		Timeline:  st,
		Desktop:   notify.NewDesktop(r.cfg.Notify, timeout, r.logger),
		Indicator: notify.NewIndicator(r.logger),
	}, orchestrator.Options{
		HistorySize:  r.cfg.Orchestrator.HistorySize,
		DebugLogSize: r.cfg.Orchestrator.DebugLogSize,
	}, r.logger)
	if err := r.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if !st.Ephemeral() {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}
	return nil
}

// newSessionService builds and starts a session context. The inference
// adapter and sound player are shared by every context the process creates.
func (r *Runtime) newSessionService(ctx context.Context) (*session.Service, error) {
	if r.models == nil {
		backend, err := inference.NewBackend(r.cfg.Inference, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create inference backend: %w", err)
		}
		r.models = inference.NewAdapter(backend, r.logger)
	}
	if r.player == nil {
		r.player = sound.NewPlayer(ctx, r.soundOutput(), r.cfg.Sound.SampleRate, r.logger)
	}
	copier, err := clipboard.New(r.cfg.Clipboard, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure clipboard: %w", err)
	}

	svc := session.NewService(ctx, r.transport, session.Dependencies{
		Device: r.captureDevice(),
		Models: r.models,
		Filter: vad.Filter{
			Threshold: r.cfg.VAD.Threshold,
			Window:    time.Duration(r.cfg.VAD.WindowMS) * time.Millisecond,
			Padding:   time.Duration(r.cfg.VAD.PaddingMS) * time.Millisecond,
		},
		Converter: textconv.New(),
		Clipboard: copier,
		Sounds:    r.player,
	}, session.Options{
		NodeID: r.cfg.Node.ID,
		Format: audio.Format{
			SampleRate:      r.cfg.Audio.SampleRate,
			Channels:        r.cfg.Audio.Channels,
			FramesPerBuffer: r.cfg.Audio.FramesPerBuffer,
		},
		TempDir:           r.cfg.Audio.TempDir,
		LevelInterval:     time.Duration(r.cfg.Audio.LevelIntervalMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(r.cfg.Node.HeartbeatInterval) * time.Millisecond,
	}, r.logger)
	if err := svc.Start(); err != nil {
		return svc, err
	}
	return svc, nil
}

func (r *Runtime) captureDevice() audio.Device {
	if r.cfg.Audio.Backend == "none" {
		return audio.NoDevice{}
	}
	if !audio.PortAudioAvailable {
		r.logger.Warn("binary built without portaudio; recording will fail")
	}
	return audio.NewPortAudioDevice()
}

func (r *Runtime) soundOutput() sound.Output {
	if r.cfg.Sound.Backend == "none" {
		return sound.NopOutput{}
	}
	out, err := sound.NewPortAudioOutput()
	if err != nil {
		r.logger.Warn("sound output unavailable, tones disabled", slogError(err))
		return sound.NopOutput{}
	}
	return out
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.metrics != nil {
		mux.Handle("/metrics", r.telemetry.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))
}

// shutdown releases components in reverse start order. It tolerates a
// partially started runtime.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}

	var errs []error
	if r.controller != nil {
		r.controller.Close()
	}
	if r.host != nil {
		errs = append(errs, r.host.Close())
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.player != nil {
		r.player.Close()
	}
	if r.models != nil {
		errs = append(errs, r.models.Close())
	}
	r.wg.Wait()
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.transport != nil {
		r.transport.Close()
	}
	r.busClient.Close()
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("component shutdown error", slogError(err))
	}

	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
