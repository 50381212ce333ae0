// Package main is the entry point for zonefixture, a standalone server that
// speaks the same flat-REST wire contract as a real storage zone. It exists
// for local development and integration testing of the BleepStore proxy
// without a real zone account.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/bleepstore/bleepstore/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9001", "address to listen on")
	dbPath := flag.String("db", "./data/zonefixture.db", "path to the fixture's SQLite database")
	zone := flag.String("zone", "bleepstore-dev", "storage zone name this fixture answers for")
	accessKey := flag.String("access-key", "", "required AccessKey header value (empty disables the check)")
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flag.Parse()

	logging.Setup(*logLevel, "text", os.Stderr)
	log := slog.Default()

	store, err := NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open fixture database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := newFixtureServer(store, *zone, *accessKey, log)

	log.Info("zonefixture listening", "addr", *addr, "zone", *zone, "db", *dbPath)
	if err := http.ListenAndServe(*addr, srv); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
