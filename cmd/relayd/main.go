// relayd runs the NPC relay against a backend with a console world: synced
// entities become addressable from stdin, instructions and effects become
// log lines. Development harness; real hosts embed internal/relay as a
// library with their own world adapter.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"npcwire/internal/config"
	"npcwire/internal/persistence/indexdb"
	"npcwire/internal/persistence/translog"
	"npcwire/internal/protocol"
	"npcwire/internal/registry"
	"npcwire/internal/relay"
	"npcwire/internal/relay/channel"
	"npcwire/internal/relay/dispatch"
	"npcwire/internal/relay/shutdown"
	"npcwire/internal/relay/turns"
	"npcwire/internal/world"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (yaml)")
		backendURL = flag.String("backend", "", "backend ws url (overrides config)")
		token      = flag.String("token", "", "backend credential (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		devLog     = flag.Bool("dev_log", false, "human-readable console logs")
	)
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *devLog {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *backendURL != "" {
		cfg.BackendURL = *backendURL
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	reg := registry.New(logger.Named("registry"))
	cw := newConsoleWorld(reg, logger.Named("world"))
	go cw.Run()

	guard := shutdown.NewCoordinator(cw, logger.Named("shutdown"))

	ch := channel.New(channel.Config{
		URL:   cfg.BackendURL,
		Token: cfg.Token,
		Self: protocol.SelfDescription{
			Name:        cfg.HostName,
			Platform:    cfg.Platform,
			HostVersion: cfg.HostVersion,
		},
		ReconnectDelay:  cfg.ReconnectDelay(),
		CapabilityDelay: cfg.CapabilityDelay(),
	}, logger.Named("channel"))

	trans := translog.NewWriter(filepath.Join(cfg.DataDir, "transcripts"), "turns")
	var idx *indexdb.SQLiteIndex
	if !cfg.DisableIndex {
		idx, err = indexdb.Open(filepath.Join(cfg.DataDir, "index", "turns.db"))
		if err != nil {
			logger.Fatal("open turn index", zap.Error(err))
		}
	}
	rec := relay.NewRecorder(trans, idx, logger.Named("recorder"))

	rel := relay.New(
		relay.Config{TurnTimeout: cfg.TurnTimeout()},
		ch, guard, cw, reg,
		consoleIndicator{log: logger.Named("indicator")},
		rec, logger.Named("relay"),
	)
	for _, a := range dispatch.DefaultActions() {
		rel.Dispatcher().Register(a)
	}
	rel.Start()

	go readConsole(rel, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	guard.MarkShuttingDown()
	// Grace window for in-flight world ops before the breaker trips.
	time.Sleep(200 * time.Millisecond)
	guard.BeginTeardown()
	cw.Stop()
	logger.Info("bye", zap.Int64("pending_world_ops", guard.PendingWorldOps()))
}

// readConsole accepts "<entity_id> <message>" lines and a couple of
// diagnostics commands.
func readConsole(rel *relay.Relay, logger *zap.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch line {
		case "stats":
			logger.Info("stats", zap.Any("stats", rel.Stats()))
			continue
		case "entities":
			for _, rec := range rel.Registry().Snapshot() {
				logger.Info("entity", zap.String("id", rec.ID), zap.String("name", rec.Name))
			}
			continue
		}
		id, text, ok := strings.Cut(line, " ")
		if !ok {
			logger.Warn("usage: <entity_id> <message> | stats | entities")
			continue
		}
		rel.Enqueue(world.EntityID(id), turns.Request{
			RequesterID:   "console",
			RequesterName: "operator",
			Text:          text,
		})
	}
}
