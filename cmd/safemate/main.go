// SafeMate is a personal safety companion: safe timers, live location
// shares and emergency alerts that reach trusted contacts.
//
// Usage:
//
//	safemate [-config safemate.yaml] [-verbose] [-quiet] [-log-file path]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hammamikhairi/safemate/internal/config"
	"github.com/hammamikhairi/safemate/internal/contacts"
	"github.com/hammamikhairi/safemate/internal/conversation"
	"github.com/hammamikhairi/safemate/internal/db"
	"github.com/hammamikhairi/safemate/internal/display"
	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/engine"
	"github.com/hammamikhairi/safemate/internal/events"
	"github.com/hammamikhairi/safemate/internal/journey"
	"github.com/hammamikhairi/safemate/internal/logger"
	"github.com/hammamikhairi/safemate/internal/notify"
	"github.com/hammamikhairi/safemate/internal/storage"
	"github.com/hammamikhairi/safemate/internal/stream"
	"github.com/hammamikhairi/safemate/internal/timer"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to a YAML config file")
	verbose := flag.Bool("verbose", false, "enable verbose/debug logging")
	quiet := flag.Bool("quiet", false, "disable all logging")
	logFile := flag.String("log-file", ".safemate/safemate.log", "file to write logs to (use \"stderr\" to log to console)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logLevel := logger.LevelNormal
	switch {
	case *quiet || cfg.Log.Level == "off":
		logLevel = logger.LevelOff
	case *verbose || cfg.Log.Level == "verbose":
		logLevel = logger.LevelVerbose
	}
	if cfg.Log.File != "" && *logFile == ".safemate/safemate.log" {
		*logFile = cfg.Log.File
	}

	// Logs go to a file by default so the prompt stays clean.
	var logOut io.Writer = os.Stderr
	if *logFile != "" && *logFile != "stderr" {
		if dir := filepath.Dir(*logFile); dir != "" && dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open log file %s: %v (falling back to stderr)\n", *logFile, err)
		} else {
			logOut = f
			defer f.Close()
		}
	}

	// Third-party libraries that use the standard logger write to the same place.
	stdlog.SetOutput(logOut)
	stdlog.SetFlags(stdlog.Ltime)

	var logOpts []logger.Option
	if cfg.Log.Format == "json" {
		logOpts = append(logOpts, logger.WithJSON())
	}
	log := logger.New(logLevel, logOut, logOpts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("%v", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus(log.With("component", "bus"))

	// Contacts and session storage.
	var (
		directory domain.ContactDirectory
		store     domain.SessionStore
		sqlite    *db.Store
	)
	seed := cfg.Contacts
	if len(seed) == 0 {
		seed = contacts.Defaults()
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := db.Open(ctx, cfg.Storage.SQLitePath, log.With("component", "sqlite"))
		if err != nil {
			return err
		}
		defer s.Close()
		if _, err := s.SeedContacts(ctx, seed); err != nil {
			return err
		}
		sqlite = s
		directory = s
		store = s.Sessions()
	case "redis":
		r, err := storage.NewRedisStore(ctx, cfg.Storage.Redis, log.With("component", "redis"))
		if err != nil {
			return err
		}
		defer r.Close()
		directory = contacts.NewMemoryDirectory(log, seed...)
		store = r
	default:
		directory = contacts.NewMemoryDirectory(log, seed...)
		store = storage.NewMemoryStore(log)
	}

	// The UI reads sessions from the engine, which is built after the
	// notifiers, so terminal output goes through a late-bound printer.
	var ui *display.UI
	printf := func(format string, a ...interface{}) { ui.Printf(format, a...) }
	terminal := conversation.NewTerminalNotifier(log, directory, printf)

	// Notification transports.
	notifiers := []domain.Notifier{terminal}
	if m := cfg.Notify.MQTT; m.Broker != "" {
		client, err := notify.DialMQTT(m.Broker, m.ClientID, log.With("component", "mqtt"))
		if err != nil {
			log.Error("mqtt disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			notifiers = append(notifiers, notify.NewMQTTNotifier(client, log,
				notify.WithTopicPrefix(m.TopicPrefix),
				notify.WithQoS(m.QoS),
			))
		}
	}
	queue := notify.NewQueue(notify.NewFanout(notifiers...), log.With("component", "notify"),
		notify.WithDeliveryTimeout(cfg.Notify.Timeout),
	)
	queue.Start(ctx)

	eng := engine.New(directory, queue, log.With("component", "engine"),
		engine.WithPublisher(bus),
		engine.WithStore(store),
		engine.WithMaxDuration(cfg.Engine.MaxDuration),
		engine.WithShareBaseURL(cfg.Engine.ShareBaseURL),
	)
	ui = display.NewUI(eng)

	coord := journey.New(eng, log.With("component", "journey"))
	bus.Subscribe("journey", coord.HandleEvent)
	bus.Subscribe("terminal", terminal.HandleEvent)

	// The persister must see every snapshot, so it takes events
	// synchronously and writes them from its own queue. Outbound feeds run
	// off buffered subscriptions.
	persister := storage.NewPersister(store, log.With("component", "persister"))
	bus.Subscribe("persister", persister.Handle)
	go persister.Run(ctx)

	if sqlite != nil {
		journal, unsub := bus.SubscribeChan("journal", 256)
		defer unsub()
		go sqlite.RunJournal(ctx, journal)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		w := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		feed, unsub := bus.SubscribeChan("kafka", 256)
		defer unsub()
		go events.NewKafkaSink(w, log.With("component", "kafka")).Run(ctx, feed)
		log.Info("publishing events to kafka topic %s", cfg.Kafka.Topic)
	}

	if cfg.Stream.Addr != "" {
		srv := stream.New(bus, log.With("component", "stream"))
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Stream.Addr); err != nil {
				log.Error("event stream: %v", err)
			}
		}()
	}

	n, err := eng.Recover(ctx)
	if err != nil {
		log.Error("session recovery failed: %v", err)
	} else if n > 0 {
		log.Info("resumed %d sessions from %s storage", n, cfg.Storage.Driver)
	}

	supervisor := timer.New(eng, bus, log.With("component", "supervisor"),
		timer.WithTickInterval(cfg.Supervisor.Tick),
		timer.WithReminderInterval(cfg.Supervisor.Reminder),
		timer.WithAlmostDueThreshold(cfg.Supervisor.AlmostDue),
		timer.WithRetention(cfg.Supervisor.Retention),
	)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	app := &cliApp{
		engine:   eng,
		journeys: coord,
		contacts: directory,
		parser:   conversation.NewKeywordParser(log),
		log:      log,
		ui:       ui,
		ownerID:  cfg.OwnerID,
	}

	fmt.Println(display.RenderBanner())
	fmt.Println(display.BannerStyle.Render("  Type 'help' for commands, 'quit' to exit."))
	fmt.Println()

	go func() {
		ui.WaitReady()
		app.run(ctx)
		ui.Quit()
	}()
	go func() {
		<-ctx.Done()
		ui.Quit()
	}()

	// Bubble Tea owns the terminal until quit.
	if err := ui.Run(); err != nil {
		log.Error("display: %v", err)
	}

	// Give queued notifications a moment to go out.
	wctx, wcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer wcancel()
	if err := queue.Wait(wctx); err != nil {
		log.Warn("exiting with %d undelivered notifications", queue.Len())
	}
	if err := persister.Flush(wctx); err != nil {
		log.Warn("exiting with %d sessions not yet saved", persister.Pending())
	}
	return nil
}
