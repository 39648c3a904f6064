package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/clarivex/internal/auth"
	"github.com/hitoshi/clarivex/internal/botnotify"
	"github.com/hitoshi/clarivex/internal/config"
	"github.com/hitoshi/clarivex/internal/database"
	"github.com/hitoshi/clarivex/internal/entitlement"
	"github.com/hitoshi/clarivex/internal/handler"
	"github.com/hitoshi/clarivex/internal/logger"
	"github.com/hitoshi/clarivex/internal/metrics"
	"github.com/hitoshi/clarivex/internal/middleware"
	"github.com/hitoshi/clarivex/internal/payment"
	"github.com/hitoshi/clarivex/internal/repository"
	"github.com/hitoshi/clarivex/internal/security"
	"github.com/hitoshi/clarivex/internal/worker/cleanup"
)

// defaultPort はPORT未設定時の待ち受けポート。
const defaultPort = "4242"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバー。引数なしの場合もこれになる。
	CommandServe Command = "serve"
	// CommandWorker はBot通知の再配送とクリーンアップ。
	CommandWorker Command = "worker"
	// CommandMigrate はマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。
// 未知のコマンドはエラーにする。タイプミスでAPIサーバーが起動するのを防ぐ。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = defaultPort
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("site_url", cfg.SiteURL),
		slog.String("session_store", cfg.SessionStore),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newSessionStore は設定に応じたセッションストアを返す。
func newSessionStore(cfg *config.Config, db *sql.DB) repository.SessionRepository {
	if cfg.SessionStore == config.SessionStorePostgres {
		return repository.NewPostgresSessionRepo(db)
	}
	return repository.NewMemorySessionStore()
}

// newBotNotifier はBot通知クライアントを生成する。
// 送信先URLは起動時に検証し、不正な場合はエラーを返す。
func newBotNotifier(cfg *config.Config) (*botnotify.Client, error) {
	guard, err := security.NewOutboundGuardFor(cfg.BotWebhookURL, cfg.BotWebhookAllowPrivate)
	if err != nil {
		return nil, fmt.Errorf("invalid BOT_WEBHOOK_URL: %w", err)
	}
	if err := guard.ValidateURL(cfg.BotWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid BOT_WEBHOOK_URL: %w", err)
	}

	notifyCfg := botnotify.DefaultClientConfig(cfg.BotWebhookURL)
	notifyCfg.AttemptTimeout = cfg.BotNotifyTimeout
	notifyCfg.MaxElapsed = cfg.BotNotifyMaxElapsed

	return botnotify.NewClient(guard.NewClient(cfg.BotNotifyTimeout), slog.Default(), notifyCfg), nil
}

// newMetricsRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// server はserveモードで構築した依存関係を保持する。
type server struct {
	handler     http.Handler
	sessions    repository.SessionRepository
	rateLimiter *middleware.RateLimiter
}

// close はバックグラウンドのgoroutineを停止する。
func (s *server) close() {
	s.rateLimiter.Stop()
}

// buildServer は全依存関係をワイヤリングし、ミドルウェアを適用したHTTPハンドラーを構築する。
// DBへの接続は行わないため、未接続の*sql.DBでも構築できる。
func buildServer(cfg *config.Config, db *sql.DB) (*server, error) {
	// 1. 運用系
	reg, collector := newMetricsRegistry()

	// 2. リポジトリの初期化
	sessionRepo := newSessionStore(cfg, db)
	entitlementRepo := repository.NewPostgresEntitlementRepo(db)
	eventRepo := repository.NewPostgresWebhookEventRepo(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)

	// 3. 認証
	oauthProvider := auth.NewDiscordOAuthProvider(auth.DiscordOAuthConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.DiscordRedirectURL,
	})
	authService := auth.NewService(oauthProvider, sessionRepo, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	})

	// 4. 決済・権限付与
	notifier, err := newBotNotifier(cfg)
	if err != nil {
		return nil, err
	}
	checkout := payment.NewCheckout(
		payment.NewStripeCheckoutAPI(cfg.StripeSecretKey),
		payment.CheckoutConfig{
			SiteURL:     cfg.SiteURL,
			Currency:    cfg.CheckoutCurrency,
			UnitAmount:  cfg.CheckoutUnitAmount,
			ProductName: cfg.CheckoutProductName,
		},
	)
	entitlementService := entitlement.NewService(entitlementRepo, eventRepo, notificationRepo, notifier, collector)
	// 最後の試行がMaxElapsed直前に始まってもAttemptTimeoutまでは待つ
	entitlementService.NotifyTimeout = cfg.BotNotifyMaxElapsed + cfg.BotNotifyTimeout

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter("checkout", middleware.PerMinute(cfg.RateLimitCheckout))

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:       sessionRepo,
		CheckoutRateLimiter: rateLimiter,
		CookieSigner:        security.NewCookieSigner(cfg.SessionSecret),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		Sanitizer: security.NewMessageSanitizer(),

		CheckoutCreator: checkout,
		EventVerifier:   payment.NewWebhookVerifier(cfg.StripeEndpointSecret),
		EventHandler:    entitlementService,
		PremiumChecker:  entitlementService,

		StaticDir: cfg.StaticDir,

		HealthChecker:  db,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
	})

	// 6. ミドルウェアの適用（外側から recovery → logging → security headers）
	var h http.Handler = router
	h = middleware.NewSecurityHeadersMiddleware(cfg.CookieSecure)(h)
	h = middleware.NewLoggingMiddleware(slog.Default(), collector)(h)
	h = middleware.NewRecoveryMiddleware()(h)

	return &server{
		handler:     h,
		sessions:    sessionRepo,
		rateLimiter: rateLimiter,
	}, nil
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := buildServer(cfg, db)
	if err != nil {
		return err
	}
	defer srv.close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// インメモリのセッションストアはこのプロセスでのみ掃除できる
	if cfg.SessionStore == config.SessionStoreMemory {
		sweeper := cleanup.NewCleanupJob(srv.sessions, nil, slog.Default())
		go sweeper.Start(ctx, cfg.CleanupInterval)
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", httpServer.Addr),
			slog.String("static_dir", cfg.StaticDir),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down HTTP server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// Bot通知の再配送ジョブと、期限切れデータのクリーンアップジョブを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	notifier, err := newBotNotifier(cfg)
	if err != nil {
		return err
	}

	reg, collector := newMetricsRegistry()

	redeliveryCfg := botnotify.DefaultRedeliveryConfig()
	redeliveryCfg.Interval = cfg.RedeliveryInterval
	redelivery := botnotify.NewRedeliveryJob(
		repository.NewPostgresNotificationRepo(db),
		notifier,
		slog.Default(),
		collector,
		redeliveryCfg,
	)

	cleanupJob := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("redelivery_interval", cfg.RedeliveryInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.String("port", cfg.ServerPort),
	)

	// 再配送のメトリクスとヘルスチェックを公開する
	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           newWorkerHandler(reg, db),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("worker metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// クリーンアップジョブをバックグラウンドで実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	// 再配送ジョブをメインgoroutineで実行（ブロッキング）
	redelivery.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// newWorkerHandler はワーカーの /metrics と /health を提供するハンドラーを返す。
func newWorkerHandler(reg *prometheus.Registry, db handler.HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(reg))
	mux.Handle("GET /health", handler.Health(db))
	return mux
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
