package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/dormwatch/dorm-power/backend/config"
	"github.com/dormwatch/dorm-power/backend/crypto"
	"github.com/dormwatch/dorm-power/backend/database"
	"github.com/dormwatch/dorm-power/backend/handlers"
	"github.com/dormwatch/dorm-power/backend/middleware"
	"github.com/dormwatch/dorm-power/backend/services"
	"github.com/dormwatch/dorm-power/backend/settings"
)

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC RECOVERED: %v", err)
				log.Printf("Stack trace: %s", debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s - completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	log.Println("Starting Dorm Power Monitor...")
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	encKey, err := crypto.GetEncryptionKey()
	if err != nil {
		log.Fatalf("Failed to load encryption key: %v", err)
	}

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store := settings.NewStore(db, encKey)
	mailer := services.NewMailer(store)
	alerts := services.NewAlertDispatcher(store, mailer)
	fetcher := services.NewPortalClient(cfg.PortalURL)
	monitor := services.NewMonitor(store, fetcher, alerts)
	reporter := services.NewReporter(store, mailer, cfg.DataDir)
	publisher := services.NewMQTTPublisher(store)
	monitor.SetSampleSink(reporter)
	monitor.SetPublisher(publisher)

	loginManager := services.NewLoginManager(store, mailer, monitor, services.NewChromeDriver, cfg.LoginURL, cfg.PortalURL)

	go monitor.Start()
	go reporter.Start()
	defer monitor.Stop()
	defer reporter.Stop()
	defer publisher.Stop()

	authHandler := handlers.NewAuthHandler(db, cfg.JWTSecret)
	statusHandler := handlers.NewStatusHandler(store, monitor, loginManager)
	configHandler := handlers.NewConfigHandler(db, store, mailer, reporter)

	r := mux.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/api/health", healthCheck).Methods("GET")

	// Public: the dashboard and the dorm-wall renewal page must work
	// without an admin session.
	r.HandleFunc("/api/status", statusHandler.GetStatus).Methods("GET")
	r.HandleFunc("/api/status/ws", statusHandler.StreamStatus).Methods("GET")
	r.HandleFunc("/api/login/start", statusHandler.StartLogin).Methods("POST")
	r.HandleFunc("/api/login/status", statusHandler.LoginStatus).Methods("GET")
	r.HandleFunc("/api/login/link-qr", statusHandler.RenewalLinkQR).Methods("GET")
	r.HandleFunc("/api/manual-cookie", statusHandler.SetManualCredential).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	api.HandleFunc("/auth/change-password", authHandler.ChangePassword).Methods("POST")

	api.HandleFunc("/config", configHandler.GetSettings).Methods("GET")
	api.HandleFunc("/config", configHandler.UpdateSettings).Methods("POST")
	api.HandleFunc("/test-email", configHandler.TestEmail).Methods("POST")
	api.HandleFunc("/toggle-monitoring", statusHandler.ToggleMonitoring).Methods("POST")

	api.HandleFunc("/reports/usage", configHandler.DownloadReport).Methods("GET")
	api.HandleFunc("/reports/send", configHandler.SendReportNow).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:4173", "*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	handler := c.Handler(r)

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	log.Printf("Server starting on %s", cfg.ServerAddress)
	log.Println("Monitoring loop running")
	log.Println("Default credentials: admin / admin123")
	log.Println("IMPORTANT: Change default password after first login!")
	log.Println("===========================================")

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}
