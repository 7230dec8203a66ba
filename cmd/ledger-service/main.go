package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/attribution"
	"github.com/ILLUVRSE/commission-ledger/internal/auth"
	"github.com/ILLUVRSE/commission-ledger/internal/config"
	"github.com/ILLUVRSE/commission-ledger/internal/events"
	"github.com/ILLUVRSE/commission-ledger/internal/httpserver"
	"github.com/ILLUVRSE/commission-ledger/internal/logging"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/service"
	"github.com/ILLUVRSE/commission-ledger/internal/signing"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
	"github.com/ILLUVRSE/commission-ledger/internal/visits"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
		Version:     cfg.Version,
	})
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("ledger service exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: Postgres when configured, otherwise the in-memory store for local runs.
	var (
		st     store.Store
		outbox store.EventOutbox
		db     *sql.DB
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		if err := store.RunMigrations(ctx, db, log); err != nil {
			return err
		}
		pg := store.NewPGStore(db)
		st, outbox = pg, pg
		log.Info().Msg("connected to postgres")
	} else {
		mem := store.NewMemoryStore()
		for _, raw := range cfg.SeedAgents {
			agent, err := parseSeedAgent(raw)
			if err != nil {
				return err
			}
			mem.PutAgent(agent)
			log.Info().Str("agent_id", agent.ID).Str("referral_code", agent.ReferralCode).Msg("seeded agent")
		}
		st, outbox = mem, mem
		log.Warn().Msg("using in-memory store; ledger data is lost on restart")
	}

	var signer *signing.Ed25519Signer
	if cfg.SignerKeyB64 != "" {
		var err error
		signer, err = signing.NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
		if err != nil {
			return err
		}
	} else {
		signer = signing.NewEphemeralSigner(cfg.SignerID)
		log.Warn().Msg("LEDGER_SIGNER_KEY_B64 not set; using an ephemeral key, markers will not survive a restart")
	}
	log.Info().Str("signer_id", signer.SignerID()).Str("public_key", signer.PublicKeyB64()).Msg("ledger signer ready")
	markers, err := attribution.NewIssuer(signer.PrivateKey(), cfg.AttributionTTL)
	if err != nil {
		return err
	}
	svc := service.New(st, markers, log)

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		return err
	}

	var counter visits.Counter = visits.Noop{}
	if cfg.RedisAddr != "" {
		client, err := visits.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		rc := visits.NewRedisCounter(client, 0)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup; visits will be retried per request")
		}
		cancel()
		counter = rc
	}

	relay, err := newRelay(ctx, cfg, outbox, signer, log)
	if err != nil {
		return err
	}
	if relay != nil {
		if err := relay.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := relay.Stop(); err != nil {
				log.Error().Err(err).Msg("stop relay")
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpserver.New(svc, verifier, counter, httpserver.Options{
			CookieName:     cfg.CookieName,
			CookieSecure:   cfg.CookieSecure,
			RequestTimeout: cfg.RequestTimeout,
		}, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ledger service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}

// newVerifier builds the caller token verifier. Without a configured secret (development only)
// it generates one and logs an admin token for local use.
func newVerifier(cfg config.Config, log zerolog.Logger) (*auth.Verifier, error) {
	secret := cfg.AuthJWTSecret
	dev := secret == ""
	if dev {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate dev jwt secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}
	v, err := auth.NewVerifier(secret, cfg.AuthIssuer, cfg.AuthAudience)
	if err != nil {
		return nil, err
	}
	if dev {
		tok, err := v.Mint(auth.Principal{AgentID: "dev-admin", Role: auth.RoleAdmin}, 12*time.Hour)
		if err != nil {
			return nil, err
		}
		log.Warn().Str("admin_token", tok).Msg("LEDGER_AUTH_JWT_SECRET not set; generated a development secret")
	}
	return v, nil
}

// newRelay returns nil when neither Kafka nor S3 is configured.
func newRelay(ctx context.Context, cfg config.Config, outbox store.EventOutbox, signer signing.Signer, log zerolog.Logger) (*events.Relay, error) {
	var (
		producer events.Producer
		archiver events.Archiver
	)
	if cfg.KafkaEnabled() {
		p, err := events.NewKafkaProducer(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("init kafka producer: %w", err)
		}
		producer = p
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka producer initialized")
	}
	if cfg.S3Bucket != "" {
		a, err := events.NewS3Archiver(ctx, events.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 archiver: %w", err)
		}
		archiver = a
		log.Info().Str("bucket", cfg.S3Bucket).Str("prefix", cfg.S3Prefix).Msg("s3 archiver initialized")
	}
	if producer == nil && archiver == nil {
		log.Info().Msg("no event sinks configured; outbox relay disabled")
		return nil, nil
	}
	return events.NewRelay(outbox, producer, archiver, signer, events.RelayConfig{
		BatchSize: cfg.RelayBatchSize,
		Interval:  cfg.RelayInterval,
	}, log)
}

// parseSeedAgent reads "id:code[:rate]".
func parseSeedAgent(raw string) (models.Agent, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return models.Agent{}, fmt.Errorf("seed agent %q: want id:code[:rate]", raw)
	}
	a := models.Agent{ID: parts[0], ReferralCode: parts[1], IsActive: true}
	if len(parts) == 3 {
		rate, err := decimal.NewFromString(parts[2])
		if err != nil {
			return models.Agent{}, fmt.Errorf("seed agent %q: %w", raw, err)
		}
		a.CommissionRateOverride = &rate
	}
	return a, nil
}
