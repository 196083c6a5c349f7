package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/audit"
	"github.com/jmerrifield20/healthledger/internal/integrity"
	"github.com/jmerrifield20/healthledger/internal/ledger"
	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
	"github.com/jmerrifield20/healthledger/internal/records"
	"github.com/jmerrifield20/healthledger/internal/server/handler"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("ledger.difficulty", ledger.DefaultDifficulty)
	viper.SetDefault("ledger.max_nonce", ledger.DefaultMaxNonce)
	viper.SetDefault("ledger.verify_interval", "5m")
	viper.SetDefault("crypto.aes_master_key", "")
	viper.SetDefault("crypto.cipher", string(recordcrypt.AES256GCM))
	viper.SetDefault("crypto.rsa_key_dir", "keys")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.token_ttl_seconds", 8*3600)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	startCtx := context.Background()

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		store ledger.Store
		index ledger.SubjectIndex
		repo  records.Repository
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(startCtx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(startCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		store = ledger.NewPostgresStore(db, logger)
		index = ledger.NewPostgresIndex(db)
		repo = records.NewPostgresRepository(db)
	} else {
		logger.Warn("database.url not set, ledger and records are held in memory only")
		store = ledger.NewMemoryStore()
		index = ledger.NewMemoryIndex()
		repo = records.NewMemoryRepository()
	}

	// ── Audit Ledger ─────────────────────────────────────────────────────────
	gate := ledger.NewGate(viper.GetInt("ledger.difficulty"), viper.GetUint64("ledger.max_nonce"))
	chain, err := ledger.Open(startCtx, store, ledger.WithGate(gate), ledger.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	logger.Info("audit ledger verified",
		zap.Int("blocks", chain.Len()),
		zap.String("tip", chain.Tip().BlockHash),
	)

	journal := audit.NewJournal(chain, store, index, logger)
	journal.SetObserver(handler.ObserveBlock)

	// ── Key material ─────────────────────────────────────────────────────────
	var keys recordcrypt.KeyMaterial
	if b64 := viper.GetString("crypto.aes_master_key"); b64 != "" {
		key, err := recordcrypt.DecodeSymmetricKey(b64)
		if err != nil {
			return fmt.Errorf("crypto.aes_master_key: %w", err)
		}
		keys.SymmetricKey = key
	}
	keyDir := viper.GetString("crypto.rsa_key_dir")
	keys.PrivateKey, keys.PublicKey, err = recordcrypt.LoadKeyPair(keyDir)
	if err != nil {
		return fmt.Errorf("load RSA keys from %s: %w", keyDir, err)
	}
	for _, issue := range keys.Issues() {
		logger.Warn("key material incomplete", zap.String("issue", issue))
	}

	suite, err := recordcrypt.NewSuite(keys.SymmetricKey, recordcrypt.Algorithm(viper.GetString("crypto.cipher")))
	if err != nil {
		return fmt.Errorf("cipher suite: %w", err)
	}
	signer, err := recordcrypt.NewSigner(keys.PrivateKey, keys.PublicKey)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	secret := viper.GetString("auth.jwt_secret")
	if secret == "" {
		logger.Warn("auth.jwt_secret not set, authenticated routes will reject every request")
	}
	tokens := handler.NewActorTokens(secret, time.Duration(viper.GetInt("auth.token_ttl_seconds"))*time.Second)

	// ── Wire up layers ────────────────────────────────────────────────────────
	recordSvc := records.NewService(repo, suite, journal, logger)

	ledgerHandler := handler.NewLedgerHandler(journal, logger)
	patientHandler := handler.NewPatientHandler(recordSvc, tokens, logger)
	attestHandler := handler.NewAttestationHandler(signer, tokens, logger)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	defer close(done)

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2, done))
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	// ── Background: periodic integrity check of memory and store ─────────────
	monitor := integrity.New(chain, store, integrity.Config{
		CheckInterval: viper.GetDuration("ledger.verify_interval"),
	}, logger)
	monitor.SetMetricsRecord(handler.RecordVerify)
	go monitor.Start(done)

	router.GET("/healthz", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if last := monitor.Last(); !last.CheckedAt.IsZero() && !last.OK() {
			status, code = "ledger integrity check failed", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "pending_blocks": journal.Pending()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	ledgerHandler.Register(v1)
	patientHandler.Register(v1)
	attestHandler.Register(v1)

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if n := journal.Pending(); n > 0 {
		logger.Error("ledger blocks still unpersisted at shutdown", zap.Int("pending", n))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
