package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/username/ionbridge/src/config"
	"github.com/username/ionbridge/src/database"
	"github.com/username/ionbridge/src/handlers"
	"github.com/username/ionbridge/src/logger"
	"github.com/username/ionbridge/src/services"
	"github.com/username/ionbridge/src/store"
	"github.com/username/ionbridge/src/utils"
	"golang.org/x/time/rate"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// instrumentHandler wraps an HTTP handler with Prometheus instrumentation.
func instrumentHandler(handlerName string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(wrapped, r)

		duration := time.Since(startTime).Seconds()
		httpRequestDuration.WithLabelValues(handlerName, r.Method).Observe(duration)
		httpRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.L.Warn("Rate limit exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"remoteAddr", r.RemoteAddr)
				utils.SendJSONError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, X-Idempotency-Key, X-Source")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("ionbridge server starting...")

	logger.L.Info("Initializing database...", "url", config.Cfg.DatabaseURL)
	database.InitDB(config.Cfg.DatabaseURL)
	logger.L.Info("Database initialized successfully.")

	logger.L.Info("Initializing FX rate cache...", "maxAge", config.Cfg.FxRateMaxAge.String())
	rateCache := cache.New(config.Cfg.FxRateMaxAge, 2*config.Cfg.FxRateMaxAge)

	logger.L.Info("Initializing services and handlers...")
	orderStore := store.NewStore(database.DB)
	rateSource := services.NewHTTPRateSource(config.Cfg.FxSourceURL, config.Cfg.FxFetchTimeout)
	fxService := services.NewFxService(orderStore, rateSource, rateCache, config.Cfg.FxRateMaxAge, config.Cfg.FxFetchRetries)
	invoiceClient := services.NewHTTPInvoiceClient(config.Cfg.InvoiceAPIURL, config.Cfg.InvoiceTimeout)
	alertService := services.NewAlertService()

	orderService := services.NewOrderService(
		orderStore, fxService, invoiceClient, alertService,
		config.Cfg.TargetCurrency, config.Cfg.MaxRetries,
	)

	orderHandler := handlers.NewOrderHandler(orderService)
	statsHandler := handlers.NewStatsHandler(orderStore)
	errorHandler := handlers.NewErrorHandler(orderStore)
	healthHandler := handlers.NewHealthHandler(database.DB)

	logger.L.Info("Configuring routes...")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", instrumentHandler("create-order", orderHandler.HandleCreateOrder))
	mux.HandleFunc("GET /api/orders", instrumentHandler("list-orders", orderHandler.HandleListOrders))
	mux.HandleFunc("GET /api/orders/{orderID}", instrumentHandler("get-order", orderHandler.HandleGetOrder))
	mux.HandleFunc("POST /api/orders/{orderID}/retry", instrumentHandler("retry-order", orderHandler.HandleRetryOrder))
	mux.HandleFunc("GET /api/errors", instrumentHandler("list-errors", errorHandler.HandleListErrors))
	mux.HandleFunc("POST /api/errors/{errorID}/resolve", instrumentHandler("resolve-error", errorHandler.HandleResolveError))
	mux.HandleFunc("GET /api/stats/daily", instrumentHandler("stats-daily", statsHandler.HandleDailySummary))
	mux.HandleFunc("GET /api/stats/events", instrumentHandler("stats-events", statsHandler.HandleEventStats))
	mux.HandleFunc("GET /api/stats/errors", instrumentHandler("stats-errors", statsHandler.HandleErrorStats))
	mux.HandleFunc("GET /api/stats/rates", instrumentHandler("stats-rates", statsHandler.HandleRateTrend))
	mux.HandleFunc("GET /api/health", instrumentHandler("health", healthHandler.HandleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())

	logger.L.Info("Applying global middleware...")
	limiter := rate.NewLimiter(rate.Every(config.Cfg.RateLimitInterval), config.Cfg.RateLimitBurst)
	finalHandler := enableCORS(rateLimitMiddleware(limiter)(mux))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("Failed to start server", "error", err)
			stdlog.Fatalf("Failed to start server: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.L.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.L.Error("Server shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.L.Info("Server stopped gracefully.")
}
