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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gogeangs/tokenboard/internal/auth"
	"github.com/gogeangs/tokenboard/internal/config"
	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/handlers"
	"github.com/gogeangs/tokenboard/internal/logging"
	"github.com/gogeangs/tokenboard/internal/middleware"
	"github.com/gogeangs/tokenboard/internal/syncer"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--create-user" {
		runCreateUser()
		return
	}

	config.Load()

	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, SyncSchedule=%q, SyncWindowDays=%d",
		config.Cfg.AuthDisabled, config.Cfg.SyncSchedule, config.Cfg.SyncWindowDays)

	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Session cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	syn := syncer.New(database.DB)
	handlers.Sync = syn

	// Scheduled fleet sync, in addition to the authenticated HTTP
	// cron trigger.
	scheduler := cron.New()
	if config.Cfg.SyncSchedule != "" {
		_, err := scheduler.AddFunc(config.Cfg.SyncSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			totals, err := syn.SyncAll(ctx)
			if err != nil {
				log.Printf("Scheduled sync: %v", err)
				return
			}
			log.Printf("Scheduled sync done: openai=%d anthropic=%d vertex=%d bedrock=%d",
				totals.OpenAI, totals.Anthropic, totals.Vertex, totals.Bedrock)
		})
		if err != nil {
			log.Fatalf("Invalid sync schedule %q: %v", config.Cfg.SyncSchedule, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)

		// Cron trigger (secret-guarded, no session)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCronSecret)
			r.Get("/cron/sync", handlers.CronSync)
			r.Post("/cron/sync", handlers.CronSync)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			// Provider connections
			r.Post("/openai/connect", handlers.ConnectOpenAI)
			r.Post("/anthropic/connect", handlers.ConnectAnthropic)
			r.Post("/vertex/connect", handlers.ConnectVertex)
			r.Post("/bedrock/connect", handlers.ConnectBedrock)
			r.Post("/openai/sync", handlers.ManualSync)

			// Ledger reads
			r.Get("/summary", handlers.Summary)
			r.Get("/trend", handlers.Trend)
			r.Get("/breakdown", handlers.Breakdown)
			r.Get("/analytics/keys", handlers.AnalyticsKeys)
			r.Get("/analytics/ratios", handlers.AnalyticsRatios)
			r.Get("/analytics/comparison", handlers.AnalyticsComparison)
			r.Get("/forecast", handlers.Forecast)

			// Budgets and alerting
			r.Get("/budgets", handlers.ListBudgets)
			r.Post("/budgets", handlers.UpsertBudget)
			r.Get("/alerts", handlers.ListAlertRules)
			r.Post("/alerts", handlers.CreateAlertRule)
			r.Patch("/alerts/{id}", handlers.UpdateAlertRule)
			r.Delete("/alerts/{id}", handlers.DeleteAlertRule)
			r.Get("/notifications", handlers.ListNotifications)
			r.Post("/notifications/{id}/read", handlers.MarkNotificationRead)
			r.Post("/notifications/read-all", handlers.MarkAllNotificationsRead)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCreateUser() {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	email := fs.String("email", "", "Email")
	password := fs.String("password", "", "Password")
	workspace := fs.String("workspace", "", "Workspace display name (optional; created with owner role)")
	fs.Parse(os.Args[2:])

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: tokenboard --create-user --email <email> --password <pass> [--workspace <name>]")
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	user := &database.User{
		Email:        *email,
		PasswordHash: hash,
	}
	if err := database.CreateUser(user); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}
	fmt.Printf("User '%s' created successfully.\n", *email)

	if *workspace != "" {
		ws := database.Workspace{
			ID:          uuid.NewString(),
			DisplayName: *workspace,
			Slug:        slugify(*workspace),
		}
		if err := database.DB.Create(&ws).Error; err != nil {
			log.Fatalf("Failed to create workspace: %v", err)
		}
		member := database.WorkspaceMember{
			WorkspaceID: ws.ID,
			UserID:      user.ID,
			Role:        "owner",
		}
		if err := database.DB.Create(&member).Error; err != nil {
			log.Fatalf("Failed to create membership: %v", err)
		}
		fmt.Printf("Workspace '%s' (%s) created with '%s' as owner.\n", *workspace, ws.ID, *email)
	}
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.FieldsFunc(slug, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}), "-")
	if slug == "" {
		slug = uuid.NewString()[:8]
	}
	return slug
}
