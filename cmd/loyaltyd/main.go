package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/internal/httpapi"
	"github.com/MarkoPoloResearchLab/loyalty/internal/notify"
	"github.com/MarkoPoloResearchLab/loyalty/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/loyalty/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/qrtoken"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagQRSigningKey      = "qr-signing-key"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagAllowedOrigins    = "allowed-origins"
	flagEarnUnitCents     = "earn-unit-cents"
	flagEarnPointsPerUnit = "earn-points-per-unit"
	flagReferralCap       = "referral-monthly-cap"
	flagReferralAward     = "referral-award-points"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyQRSigningKey      = "qr_signing_key"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyEarnUnitCents     = "earn_unit_cents"
	configKeyEarnPointsPerUnit = "earn_points_per_unit"
	configKeyReferralCap       = "referral_monthly_cap"
	configKeyReferralAward     = "referral_award_points"

	defaultDatabaseURL       = "sqlite:///tmp/loyalty.db"
	defaultListenAddr        = ":8080"
	defaultEarnUnitCents     = int64(1000)
	defaultEarnPointsPerUnit = int64(10)
	defaultReferralCap       = int64(10)
	defaultReferralAward     = int64(100)
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	QRSigningKey      string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	AllowedOrigins    string
	EarnUnitCents     int64
	EarnPointsPerUnit int64
	ReferralCap       int64
	ReferralAward     int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyaltyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "loyaltyd",
		Short:         "Loyalty points and voucher redemption server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagQRSigningKey, "", "HMAC key for QR token signing")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key validating tauth session cookies")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().Int64(flagEarnUnitCents, defaultEarnUnitCents, "cents of spend per earn unit")
	cmd.Flags().Int64(flagEarnPointsPerUnit, defaultEarnPointsPerUnit, "points awarded per earn unit")
	cmd.Flags().Int64(flagReferralCap, defaultReferralCap, "completed referrals allowed per referrer per month")
	cmd.Flags().Int64(flagReferralAward, defaultReferralAward, "points awarded per completed referral")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]struct {
		flag string
		env  string
	}{
		configKeyDatabaseURL:       {flagDatabaseURL, "DATABASE_URL"},
		configKeyListenAddr:        {flagListenAddr, "LISTEN_ADDR"},
		configKeyQRSigningKey:      {flagQRSigningKey, "QR_SIGNING_KEY"},
		configKeySessionSigningKey: {flagSessionSigningKey, "SESSION_SIGNING_KEY"},
		configKeySessionIssuer:     {flagSessionIssuer, "SESSION_ISSUER"},
		configKeySessionCookie:     {flagSessionCookie, "SESSION_COOKIE"},
		configKeyAllowedOrigins:    {flagAllowedOrigins, "ALLOWED_ORIGINS"},
		configKeyEarnUnitCents:     {flagEarnUnitCents, "EARN_UNIT_CENTS"},
		configKeyEarnPointsPerUnit: {flagEarnPointsPerUnit, "EARN_POINTS_PER_UNIT"},
		configKeyReferralCap:       {flagReferralCap, "REFERRAL_MONTHLY_CAP"},
		configKeyReferralAward:     {flagReferralAward, "REFERRAL_AWARD_POINTS"},
	}
	for key, binding := range bindings {
		if err := viper.BindEnv(key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.QRSigningKey = viper.GetString(configKeyQRSigningKey)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.EarnUnitCents = viper.GetInt64(configKeyEarnUnitCents)
	cfg.EarnPointsPerUnit = viper.GetInt64(configKeyEarnPointsPerUnit)
	cfg.ReferralCap = viper.GetInt64(configKeyReferralCap)
	cfg.ReferralAward = viper.GetInt64(configKeyReferralAward)

	if cfg.EarnUnitCents <= 0 || cfg.EarnPointsPerUnit <= 0 {
		return fmt.Errorf("earn rule values must be positive")
	}
	if cfg.ReferralCap <= 0 || cfg.ReferralAward <= 0 {
		return fmt.Errorf("referral policy values must be positive")
	}
	if cfg.QRSigningKey == "" {
		return fmt.Errorf("qr signing key is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	codec, err := qrtoken.NewCodec([]byte(cfg.QRSigningKey), time.Now)
	if err != nil {
		return fmt.Errorf("token codec init: %w", err)
	}

	service, err := loyalty.NewService(store, codec, clock,
		loyalty.WithEarnRule(loyalty.EarnRule{UnitCents: cfg.EarnUnitCents, PointsPerUnit: cfg.EarnPointsPerUnit}),
		loyalty.WithReferralPolicy(loyalty.ReferralPolicy{MonthlyCap: cfg.ReferralCap, AwardPoints: cfg.ReferralAward}),
		loyalty.WithOperationLogger(notify.NewOperationLogger(logger)),
		loyalty.WithNotifier(notify.NewLogNotifier(logger)),
		loyalty.WithAuditRecorder(notify.NewLogAuditRecorder(logger)),
	)
	if err != nil {
		return fmt.Errorf("loyalty service init: %w", err)
	}

	server, err := httpapi.New(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
	}, service, codec, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	return server.Run(ctx)
}

// openStore picks the backend from the DSN scheme: postgres URLs get the raw
// pgx store, everything else resolves to a sqlite file behind gorm.
func openStore(ctx context.Context, dsn string) (loyalty.Store, func() error, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	gormDB, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB); err != nil {
		return nil, nil, err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return gormstore.New(gormDB.WithContext(ctx)), cleanup, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "loyalty.db"
		}
		return normalizeSQLitePath(path)
	}
	// Treat everything else as a direct sqlite path.
	return normalizeSQLitePath(dsn)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB) error {
	err := db.AutoMigrate(
		&gormstore.Account{},
		&gormstore.LedgerEntry{},
		&gormstore.VoucherDefinition{},
		&gormstore.VoucherInstance{},
		&gormstore.ReferralCode{},
		&gormstore.Referral{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
