// monolited is the server entrypoint: it parses flags, opens the data
// file, and accepts MongoDB wire protocol connections until interrupted.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/config"
	"github.com/arlobennett/monolite/internal/database"
	"github.com/arlobennett/monolite/internal/observability"
	"github.com/arlobennett/monolite/internal/txn"
	"github.com/arlobennett/monolite/internal/wire"
)

func main() {
	cfg := config.Parse(flag.CommandLine)
	flag.Parse()

	log := observability.NewLogger(observability.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	observability.SetGlobal(log)
	metrics := observability.NewMetrics()

	log.LogServerStart(cfg.ListenAddr, cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("failed to create data directory").Err(err).Send()
		os.Exit(1)
	}
	dataPath := filepath.Join(cfg.DataDir, "monolite.db")

	db, err := database.Open(dataPath, database.Options{
		CursorTTL:   cfg.CursorTTL,
		LockTimeout: cfg.LockTimeout,
		Logger:      log,
		Metrics:     metrics,
	})
	if err != nil {
		log.Error("failed to open database").Err(err).Send()
		os.Exit(1)
	}
	defer db.Close()

	go serveMetrics(cfg.MetricsAddr, log)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error("failed to listen").Err(err).Send()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.LogServerShutdown()
		cancel()
		lis.Close()
	}()

	handler := commandHandler(db)

	log.LogServerReady(cfg.ListenAddr)
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error("accept error").Err(err).Send()
				continue
			}
		}
		go wire.ServeConn(ctx, conn, handler, log, metrics)
	}
}

func serveMetrics(addr string, log *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics listener stopped").Err(err).Send()
	}
}

// commandHandler adapts Database.RunCommand into a wire.Handler, resolving
// a per-command session from the command document's "lsid" field the way
// real MongoDB clients thread session affinity through every command.
func commandHandler(db *database.Database) wire.Handler {
	return func(ctx context.Context, dbName string, cmd bson.D) bson.D {
		session := sessionOf(db, cmd)
		return db.RunCommand(ctx, dbName, cmd, session)
	}
}

func sessionOf(db *database.Database, cmd bson.D) *txn.Session {
	for _, e := range cmd {
		if e.Key != "lsid" {
			continue
		}
		lsid, ok := e.Value.(bson.D)
		if !ok {
			return nil
		}
		for _, f := range lsid {
			if f.Key == "id" {
				return db.Sessions.GetOrCreate(database.SessionKey(f.Value))
			}
		}
	}
	return nil
}
