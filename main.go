package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"LocalBoard/internal/config"
	"LocalBoard/internal/journal"
	boardnet "LocalBoard/internal/net"
	"LocalBoard/internal/server"
	"LocalBoard/internal/state"
	"LocalBoard/internal/ui"
)

const usage = `LocalBoard, a shared whiteboard for the local network.

Usage:
  localboard [host] [flags]          host a board and open a window on it
  localboard join [link] [flags]     join a board (discovered over mDNS when no link is given)
  localboard <localboard://link>     same as join
  localboard export <out.pdf> [--from link]
  localboard journal [--journal path] [--limit n]

Flags:
`

func main() {
	if err := mainInner(os.Args[1:]); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner(args []string) error {
	mode := "host"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch {
		case strings.HasPrefix(args[0], boardnet.LinkScheme):
			mode = "join"
		default:
			mode, args = args[0], args[1:]
		}
	}

	flagSet := pflag.NewFlagSet("localboard", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	address := flagSet.String("address", "", "address the host listens on (default :8888)")
	journalPath := flagSet.String("journal", "", "SQLite file recording every published event")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error")
	noAdvertise := flagSet.Bool("no-advertise", false, "do not announce the host over mDNS")
	headless := flagSet.Bool("headless", false, "host without opening a window")
	from := flagSet.String("from", "", "board link to export from (default the local host)")
	limit := flagSet.Int("limit", 50, "number of journal entries to print")
	browseTimeout := flagSet.Duration("browse-timeout", 3*time.Second, "how long join waits for mDNS answers")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("address") {
		cfg.Address = *address
	}
	if flagSet.Changed("journal") {
		cfg.JournalPath = *journalPath
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if *noAdvertise {
		cfg.Advertise = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "host":
		return runHost(ctx, cfg, *headless, logger)
	case "join":
		link := flagSet.Arg(0)
		if link == "" {
			logger.Info("looking for a board on the local network")
			if link, err = boardnet.Browse(ctx, *browseTimeout); err != nil {
				return err
			}
		}
		baseURL, err := boardnet.ParseLink(link)
		if err != nil {
			return err
		}
		return runClient(ctx, baseURL, "LocalBoard", logger)
	case "export":
		out := flagSet.Arg(0)
		if out == "" {
			return errors.New("export: output path is required")
		}
		link := *from
		if link == "" {
			link = cfg.Address
		}
		return runExport(ctx, link, out)
	case "journal":
		return runJournal(ctx, cfg, *limit, logger)
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", mode)
	}
}

func runHost(ctx context.Context, cfg config.Config, headless bool, logger *slog.Logger) error {
	logger.Info("starting as host", "address", cfg.Address, "topic", cfg.Topic)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := boardnet.NewHub(cfg.SubscriberBuffer, logger)
	var publisher boardnet.Publisher = hub
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		publisher = j.Wrap(hub)
		logger.Info("journaling events", "path", cfg.JournalPath)
	}

	srv := server.New(server.Options{
		Log:             state.NewLog(),
		Hub:             hub,
		Publisher:       publisher,
		Topic:           cfg.Topic,
		Logger:          logger,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	if cfg.Advertise {
		mdnsServer, err := boardnet.Advertise(port, nil)
		if err != nil {
			logger.Warn("mDNS advertisement disabled", "err", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	shareLink := boardnet.ShareLink(boardnet.OutgoingIP(), port)
	fmt.Printf("Share this link to invite others: %s\n", shareLink)

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, listener)
	}()

	if headless {
		return <-served
	}

	uiErr := runClient(ctx, fmt.Sprintf("http://127.0.0.1:%d", port), "LocalBoard (host) "+shareLink, logger)
	cancel()
	if err := <-served; err != nil {
		return err
	}
	return uiErr
}

// runClient opens a window on the board at baseURL and blocks until it is
// closed.
func runClient(ctx context.Context, baseURL, title string, logger *slog.Logger) error {
	client, err := boardnet.NewClient(baseURL, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	window := ui.NewWindow(title, logger)
	replica := state.NewReplica(state.ReplicaConfig{
		Remote:        client,
		Renderer:      window.Board,
		Logger:        logger,
		OnStateChange: window.SetState,
	})
	window.Bind(replica)
	logger.Info("joining board", "url", baseURL, "client", replica.ClientID())

	session := &boardnet.Session{
		Replica:   replica,
		EventsURL: client.EventsURL(),
		Logger:    logger,
		OnStatus:  window.SetStatus,
	}
	go func() {
		if err := session.Run(ctx); err != nil {
			logger.Error("session ended", "err", err)
		}
	}()
	go func() {
		// Closing the window is the normal way out; a signal closes it too.
		<-ctx.Done()
		window.Close()
	}()

	window.ShowAndRun()
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := replica.Flush(flushCtx); err != nil {
		logger.Warn("pending requests were not delivered", "err", err)
	}
	replica.Close()
	return nil
}

func runExport(ctx context.Context, link, out string) error {
	baseURL, err := boardnet.ParseLink(link)
	if err != nil {
		return err
	}
	client, err := boardnet.NewClient(baseURL, nil)
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	if err := client.ExportPDF(ctx, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("exported board", "from", baseURL, "to", out)
	return nil
}

func runJournal(ctx context.Context, cfg config.Config, limit int, logger *slog.Logger) error {
	if cfg.JournalPath == "" {
		return errors.New("journal: --journal or journal_path is required")
	}
	j, err := journal.Open(cfg.JournalPath, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Entries(ctx, cfg.Topic, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%6d  %s  %-21s %s\n", e.Seq, e.At.Format(time.RFC3339), e.Kind, e.Data)
	}
	return nil
}
