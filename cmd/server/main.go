package main // Entry point package

import (
	"log" // Logging library

	"github.com/joho/godotenv"    // Loads .env files into the process environment
	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/iliyamo/ticket-marketplace/internal/config"
	"github.com/iliyamo/ticket-marketplace/internal/database"
	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/handler"
	"github.com/iliyamo/ticket-marketplace/internal/queue"
	"github.com/iliyamo/ticket-marketplace/internal/repository"
	"github.com/iliyamo/ticket-marketplace/internal/router"
	queuepub "github.com/iliyamo/ticket-marketplace/internal/service"
)

func main() {
	// .env is optional; real deployments set variables directly.
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.Load() // Load environment config

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	// Redis backs the rate limiter; nil disables limiting gracefully.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Println("redis unavailable, rate limiting disabled")
	}

	txStore := repository.NewTransactionRepo(db)
	inventory := repository.NewInventoryRepo(db)
	benefits := repository.NewBenefitRepo(db)
	tiers := repository.NewTierRepo(db)
	sink := queuepub.NewSink()

	eng := engine.New(txStore, inventory, benefits, tiers, sink, engine.Config{
		ProofTTL:        cfg.ProofTTL,
		AdminTTL:        cfg.AdminTTL,
		ServiceFeeCents: cfg.ServiceFeeCents,
	})

	orch := engine.NewOrchestrator(txStore, inventory, benefits, sink, engine.RollbackConfig{
		SweepInterval: cfg.RollbackSweep,
		MaxAttempts:   cfg.RollbackRetries,
	})
	eng.SetOrchestrator(orch)
	orch.Start()
	defer orch.Stop()

	sched := engine.NewScheduler(eng, txStore, cfg.SweepInterval)
	sched.Start()
	defer sched.Stop()

	// The alert consumer tails rollback.alert and writes logs/alerts.log.
	go func() {
		if err := queue.StartAlertConsumer(); err != nil {
			log.Printf("alert consumer stopped: %v", err)
		}
	}()

	e := echo.New() // Create Echo instance
	router.RegisterRoutes(e)
	router.RegisterTransactions(e, handler.NewTransactionHandler(eng), cfg.JWTSecret, rdb)
	router.RegisterAdmin(e, handler.NewAdminHandler(eng), cfg.JWTSecret)

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info

	if err := e.Start(addr); err != nil { // Start HTTP server
		log.Fatal(err) // Log and exit if server fails
	}
}
