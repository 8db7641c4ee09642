package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transport"
)

var version = "0.1.0-dev"

const usage = `usage: scribectl <command> [flags]

commands:
  toggle            start or stop recording
  start             start recording
  stop              stop recording and transcribe
  status            print recording/processing flags
  history           print recent transcripts
  logs              print the session debug log
  sessions          list finished sessions, or one session's events (-limit, -id)
  model             print the resident model
  prewarm           load the configured model
  sound <type>      play start|stop|copy|error
  settings          print or update settings (-model, -language, -sounds)
  watch             stream broadcasts until interrupted
  version           print version`

type connection struct {
	configPath string
	servers    string
	timeout    time.Duration
}

func (c *connection) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to daemon configuration file (for bus settings)")
	fs.StringVar(&c.servers, "servers", "", "Comma separated NATS URLs (overrides config)")
	fs.DurationVar(&c.timeout, "timeout", 10*time.Second, "Request timeout")
}

func (c *connection) dial(ctx context.Context) (transport.Transport, func(), error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	busCfg := cfg.Bus
	if c.servers != "" {
		busCfg.Servers = strings.Split(c.servers, ",")
	}
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, busCfg, "scribectl", log)
	if err != nil {
		return nil, nil, err
	}
	t := transport.NewNATS(ctx, client, c.timeout, log)
	return t, func() {
		t.Close()
		client.Close()
	}, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	if cmd == "version" {
		fmt.Println(version)
		return
	}

	var conn connection
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	conn.register(fs)
	var (
		model    string
		language string
		sounds   string
		limit    int
		id       string
	)
	switch cmd {
	case "settings":
		fs.StringVar(&model, "model", "", "Model identifier to use")
		fs.StringVar(&language, "language", "", "Language code (auto, en, zh-tw, ...)")
		fs.StringVar(&sounds, "sounds", "", "Enable feedback tones (true|false)")
	case "sessions":
		fs.IntVar(&limit, "limit", 20, "Maximum rows to print")
		fs.StringVar(&id, "id", "", "Print the events of this session instead")
	}
	fs.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, closeConn, err := conn.dial(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeConn()

	reqCtx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()

	switch cmd {
	case "toggle":
		err = ack(reqCtx, t, protocol.ToggleRecording{})
	case "start":
		err = ack(reqCtx, t, protocol.StartRecording{})
	case "stop":
		err = ack(reqCtx, t, protocol.StopRecording{})
	case "status":
		err = printReply(reqCtx, t, protocol.TargetController, protocol.GetStatus{})
	case "history":
		err = runHistory(reqCtx, t)
	case "logs":
		err = runLogs(reqCtx, t)
	case "sessions":
		err = runSessions(reqCtx, t, id, limit)
	case "model":
		err = printReply(reqCtx, t, protocol.TargetSession, protocol.GetModelInfo{})
	case "prewarm":
		err = ack(reqCtx, t, protocol.PrewarmModel{})
	case "sound":
		err = ack(reqCtx, t, protocol.PlaySoundGlobal{Sound: protocol.SoundType(fs.Arg(0))})
	case "settings":
		err = runSettings(reqCtx, t, model, language, sounds)
	case "watch":
		err = runWatch(ctx, t)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ack(ctx context.Context, t transport.Transport, msg protocol.Message) error {
	if err := transport.RequestAck(ctx, t, protocol.TargetController, msg); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func printReply(ctx context.Context, t transport.Transport, target protocol.Target, msg protocol.Message) error {
	reply, err := t.Request(ctx, target, msg)
	if err != nil {
		return err
	}
	if a, ok := reply.(protocol.Ack); ok {
		return a.Err()
	}
	return printJSON(reply)
}

func uiState(ctx context.Context, t transport.Transport) (protocol.UIState, error) {
	reply, err := t.Request(ctx, protocol.TargetController, protocol.GetUIState{})
	if err != nil {
		return protocol.UIState{}, err
	}
	state, ok := reply.(protocol.UIState)
	if !ok {
		return protocol.UIState{}, fmt.Errorf("unexpected reply %s", reply.Kind())
	}
	return state, nil
}

func runHistory(ctx context.Context, t transport.Transport) error {
	state, err := uiState(ctx, t)
	if err != nil {
		return err
	}
	for i, text := range state.History {
		fmt.Printf("%d. %s\n", i+1, text)
	}
	return nil
}

func runLogs(ctx context.Context, t transport.Transport) error {
	state, err := uiState(ctx, t)
	if err != nil {
		return err
	}
	for _, e := range state.Logs {
		fmt.Printf("%s [%s] %s\n", e.Time.Local().Format("15:04:05.000"), e.Severity, e.Message)
	}
	return nil
}

func runSessions(ctx context.Context, t transport.Transport, id string, limit int) error {
	if id != "" {
		reply, err := t.Request(ctx, protocol.TargetController, protocol.GetSessionEvents{SessionID: id, Limit: limit})
		if err != nil {
			return err
		}
		events, ok := reply.(protocol.SessionEvents)
		if !ok {
			return replyError(reply)
		}
		for _, e := range events.Events {
			fmt.Printf("%s %s %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Type, e.Payload)
		}
		return nil
	}

	reply, err := t.Request(ctx, protocol.TargetController, protocol.GetSessions{Limit: limit})
	if err != nil {
		return err
	}
	list, ok := reply.(protocol.SessionList)
	if !ok {
		return replyError(reply)
	}
	for _, s := range list.Sessions {
		fmt.Printf("%s  %-10s %-40s %-6s %s\n", s.CreatedAt.Local().Format(time.DateTime), s.Status, s.Model, s.Language, s.SessionID)
	}
	return nil
}

func replyError(reply protocol.Message) error {
	if a, ok := reply.(protocol.Ack); ok && a.Err() != nil {
		return a.Err()
	}
	return fmt.Errorf("unexpected reply %s", reply.Kind())
}

func runSettings(ctx context.Context, t transport.Transport, model, language, sounds string) error {
	reply, err := t.Request(ctx, protocol.TargetController, protocol.GetSettings{})
	if err != nil {
		return err
	}
	snapshot, ok := reply.(protocol.SettingsSnapshot)
	if !ok {
		return fmt.Errorf("unexpected reply %s", reply.Kind())
	}
	if model == "" && language == "" && sounds == "" {
		return printJSON(snapshot.Settings)
	}

	updated := snapshot.Settings
	if model != "" {
		updated.Model = model
	}
	if language != "" {
		updated.Language = language
	}
	if sounds != "" {
		enabled, err := strconv.ParseBool(sounds)
		if err != nil {
			return fmt.Errorf("invalid -sounds value %q: %w", sounds, err)
		}
		updated.EnableSounds = enabled
	}
	if err := transport.RequestAck(ctx, t, protocol.TargetController, protocol.UpdateSettings{Settings: updated}); err != nil {
		return err
	}
	return printJSON(updated)
}

func runWatch(ctx context.Context, t transport.Transport) error {
	sub, err := t.HandleAll(protocol.TargetUI, func(_ context.Context, msg protocol.Message) (protocol.Message, error) {
		return nil, printJSON(map[string]any{"kind": msg.Kind(), "payload": msg})
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
