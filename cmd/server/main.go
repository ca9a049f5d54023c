package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/db"
	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/upload"
	"roomchat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	defer database.Close()
	log.Println("✅ Connected to PostgreSQL")

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = database.AutoMigrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer redisClient.Close()
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	log.Println("✅ Connected to Redis")

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, cfg.TokenTTL.Duration)
	userHandler := user.NewHandler(userService)

	// 5. Initialize Chat Feature
	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(chatRepo, userService, chat.Options{
		Spam: chat.SpamPolicy{
			Burst:  cfg.Chat.SpamBurst,
			Window: cfg.Chat.SpamWindow.Duration,
			Mute:   cfg.Chat.SpamMute.Duration,
		},
		MaxMessageLength:  cfg.Chat.MaxMessageLength,
		AllowUnknownRooms: cfg.Chat.AllowUnknownRooms,
		PersistTimeout:    cfg.Chat.PersistTimeout.Duration,
	})
	hub.SetMetrics(chat.NewMetrics(prometheus.DefaultRegisterer))
	chatHandler := chat.NewHandler(hub, chatRepo, cfg.AllowedOrigin)

	uploadHandler, err := upload.NewHandler(cfg.UploadDir)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)
	authLimiter := myMiddleware.NewAttemptLimiter(redisClient, "roomchat:auth:", cfg.Auth.Attempts, cfg.Auth.Window.Duration)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.SecureHeaders)
	r.Use(myMiddleware.CORS(cfg.AllowedOrigin))

	// Public Routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle(upload.URLPrefix+"*", uploadHandler.Files())

	r.Group(func(r chi.Router) {
		r.Use(authLimiter.Handle)
		r.Post("/api/auth/register", userHandler.Register)
		r.Post("/api/auth/login", userHandler.Login)
	})

	// WebSocket (Real-time). Authenticates during the handshake itself so a
	// bad token gets a close code instead of a plain HTTP error.
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/rooms", chatHandler.ListRooms)
		r.Get("/api/rooms/{roomID}/messages", chatHandler.GetRoomHistory)
		r.Get("/api/direct-messages/{userID}", chatHandler.GetDirectHistory)
		r.Post("/api/upload", uploadHandler.Upload)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("🚀 Server starting on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("🛑 Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by the server;
		// closing the sessions lets their pumps wind down.
		hub.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Println("👋 Server stopped")
}
