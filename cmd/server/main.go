/*
main.go - Authoritative server entry point

PURPOSE:
  Initializes and starts the shadow ledger sync server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse flags
  2. Connect the authoritative store (PostgreSQL, or in-memory for dev)
  3. Build the batch processor and optional Kafka publisher
  4. Configure the HTTP router
  5. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)

ENVIRONMENT:
  LEDGER_SECRET   HMAC secret shared with device clients (required)
  DATABASE_URL    PostgreSQL DSN; unset runs the in-memory store with
                  seeded dev accounts
  KAFKA_BROKERS   comma-separated brokers for batch-processed events;
                  unset disables publishing
  AUTH_TOKENS     dev-only token table, "token=owner,token=owner"

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store and publisher
  4. Exit

SEE ALSO:
  - api/server.go: router configuration
  - server/processor.go: the one write path
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/shadow-ledger/api"
	"github.com/warp/shadow-ledger/events/kafka"
	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/server"
	memstore "github.com/warp/shadow-ledger/server/store"
	"github.com/warp/shadow-ledger/store/postgres"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "HTTP server port")
	flag.Parse()

	secret := os.Getenv("LEDGER_SECRET")
	if secret == "" {
		log.Fatal("LEDGER_SECRET must be set")
	}
	signer := ledger.NewSigner(secret)

	store, closeStore, err := buildStore()
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore()

	var opts []server.ProcessorOption
	var closePublisher func() error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		publisher := kafka.NewPublisher(strings.Split(brokers, ","))
		opts = append(opts, server.WithPublisher(publisher))
		closePublisher = publisher.Close
		log.Printf("Publishing batch events to %s", brokers)
	}
	processor := server.NewProcessor(store, signer, opts...)

	handler := api.NewHandler(store, processor, buildAuth())
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Sync server listening on :%d", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if closePublisher != nil {
		if err := closePublisher(); err != nil {
			log.Printf("Failed to close publisher: %v", err)
		}
	}

	log.Println("Server stopped")
}

// buildStore returns the PostgreSQL store when DATABASE_URL is set,
// otherwise an in-memory store seeded with dev accounts.
func buildStore() (server.Store, func(), error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := postgres.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		log.Println("Using PostgreSQL store")
		return pg, func() { pg.Close() }, nil
	}

	log.Println("DATABASE_URL not set, using in-memory store with dev accounts")
	mem := memstore.NewMemory()
	seed := []server.AccountRecord{
		{OwnerID: "user-alice", Handle: "alice", Balance: decimal.NewFromInt(1000)},
		{OwnerID: "user-bob", Handle: "bob", Balance: decimal.NewFromInt(1000)},
	}
	for _, a := range seed {
		a.LastSyncedAt = time.Now().UTC()
		if err := mem.CreateAccount(context.Background(), a); err != nil {
			return nil, nil, err
		}
	}
	return mem, func() {}, nil
}

// buildAuth parses AUTH_TOKENS ("token=owner,token=owner"). An empty
// table rejects everything, which is the safe default.
func buildAuth() api.Authenticator {
	tokens := make(map[string]ledger.OwnerID)
	for _, pair := range strings.Split(os.Getenv("AUTH_TOKENS"), ",") {
		token, owner, ok := strings.Cut(pair, "=")
		if !ok || token == "" || owner == "" {
			continue
		}
		tokens[token] = ledger.OwnerID(owner)
	}
	return api.NewStaticTokenAuth(tokens)
}
