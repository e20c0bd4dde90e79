package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"agrobid/internal/auction"
	"agrobid/internal/config"
	"agrobid/internal/realtime"
	"agrobid/internal/registry"
)

type createAuctionRequest struct {
	AuctionID     string          `json:"auctionId,omitempty"`
	SellerUserID  string          `json:"sellerUserId"`
	CropID        string          `json:"cropId"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	MinIncrement  decimal.Decimal `json:"minIncrement"`
	MaxIncrement  decimal.Decimal `json:"maxIncrement"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	SecondEndTime *time.Time      `json:"secondEndTime,omitempty"`
}

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal("cannot load config:", err)
	}
	logger := log.New(os.Stdout, "auction-server: ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store registry.Store
	if cfg.UseMemoryStore {
		logger.Printf("using in-memory store")
		store = registry.NewMemoryStore()
	} else {
		runDBMigration(cfg.MigrationURL, cfg.PostgresConn, logger)
		pool, err := pgxpool.New(ctx, cfg.PostgresConn)
		if err != nil {
			logger.Fatalf("error initializing database: %v", err)
		}
		defer pool.Close()
		store = registry.NewPostgresStore(pool)
	}

	persister := auction.NewPersister(store, logger)
	go persister.Run(ctx)

	sched := auction.NewScheduler(logger)
	defer sched.Stop()

	mgr := auction.NewManager(store, persister, sched, auction.RoomOptions{
		QueueTimeout:   cfg.BidQueueTimeout,
		GracePeriod:    cfg.RoomGracePeriod,
		ResyncInterval: cfg.ResyncInterval,
	}, logger)
	go mgr.Run(ctx)

	if err := mgr.Recover(ctx); err != nil {
		logger.Fatalf("recovery pass failed: %v", err)
	}

	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/auctions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			auctions, err := store.ListAuctions(r.Context())
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, auctions)
		case http.MethodPost:
			var req createAuctionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
				return
			}
			a := auction.Auction{
				ID:            req.AuctionID,
				SellerUserID:  req.SellerUserID,
				CropID:        req.CropID,
				StartingPrice: req.StartingPrice,
				MinIncrement:  req.MinIncrement,
				MaxIncrement:  req.MaxIncrement,
				StartTime:     req.StartTime,
				EndTime:       req.EndTime,
				SecondEndTime: req.SecondEndTime,
				Status:        auction.StatusPending,
				CreatedAt:     time.Now().UTC(),
			}
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			if err := a.Validate(); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			if err := store.CreateAuction(r.Context(), &a); err != nil {
				writeErr(w, err)
				return
			}
			// Arm the boundary timers right away so the auction opens and
			// closes on schedule with zero client traffic.
			if err := mgr.Activate(r.Context(), a.ID); err != nil {
				logger.Printf("activate %s: %v", a.ID, err)
			}
			writeJSON(w, http.StatusCreated, a)
		}
	}).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/api/auctions/{id}", func(w http.ResponseWriter, r *http.Request) {
		a, err := store.GetAuction(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/auctions/{id}/bids", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		bids, err := store.ListBidsByAuction(r.Context(), mux.Vars(r)["id"], limit, offset)
		if err != nil {
			writeErr(w, err)
			return
		}
		if bids == nil {
			bids = []auction.Bid{}
		}
		writeJSON(w, http.StatusOK, bids)
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/auctions/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.CloseAuction(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(auction.StatusClosed)})
	}).Methods(http.MethodPost)

	r.Handle("/ws", &realtime.WSHandler{Rooms: mgr, Logger: logger})

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", cfg.ServerAddress)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func runDBMigration(migrationURL, dbSource string, logger *log.Logger) {
	migration, err := migrate.New(migrationURL, dbSource)
	if err != nil {
		logger.Fatalf("cannot create migrate instance: %v", err)
	}
	if err = migration.Up(); err != nil && err != migrate.ErrNoChange {
		logger.Fatalf("failed to run migrate up: %v", err)
	}
	logger.Printf("db migrated successfully")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch auction.CodeOf(err) {
	case auction.CodeNotFound:
		status = http.StatusNotFound
	case auction.CodeForbidden, auction.CodeSellerNotAllowed:
		status = http.StatusForbidden
	case auction.CodeAuctionNotOpen:
		status = http.StatusConflict
	case auction.CodeIncrementOutOfRange:
		status = http.StatusBadRequest
	case auction.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
