package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sciencegate.org/internal/federation"
	"sciencegate.org/internal/httpapi"
	"sciencegate.org/internal/obs"
	"sciencegate.org/internal/store/pg"
	"sciencegate.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("SG_FEDERATION_SECRET")
	if secret == "" {
		log.Fatal("SG_FEDERATION_SECRET is required")
	}
	instance := os.Getenv("SG_INSTANCE_CODE")
	if instance == "" {
		log.Fatal("SG_INSTANCE_CODE is required")
	}
	baseURL := os.Getenv("SG_BASE_URL")
	if baseURL == "" {
		log.Fatal("SG_BASE_URL is required")
	}
	addr := os.Getenv("SG_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	codec, err := token.NewCodec([]byte(secret), instance)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	// Without a DSN the service runs over the in-memory store; useful for
	// local development, never for production.
	var (
		db    *sql.DB
		store federation.Store
	)
	if dsn := os.Getenv("SG_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = pgStore.DB()
		store = pgStore
	} else {
		log.Print("SG_PG_DSN not set, using in-memory store")
		store = federation.NewInMemory()
	}

	client := federation.NewClient(10 * time.Second)
	events := federation.NewStream()
	handshake := federation.NewHandshake(codec, store, client, events, baseURL)
	exporter := federation.NewExporter(codec, store, client)
	importer := federation.NewImporter(codec, store, federation.DefaultSanitizer(), events)

	api := httpapi.New(httpapi.Config{
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
		Codec:      codec,
		Store:      store,
		Handshake:  handshake,
		Exporter:   exporter,
		Importer:   importer,
		Stream:     events,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sciencegate-api %s (instance %s) on %s", version, instance, addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
