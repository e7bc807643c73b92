// Command creekd runs the broker: the SQS-compatible queue plane and the
// session-based management plane behind one HTTP server.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/creeklabs/creek/auth"
	"github.com/creeklabs/creek/config"
	"github.com/creeklabs/creek/credential"
	"github.com/creeklabs/creek/httpapi"
	ckms "github.com/creeklabs/creek/kms"
	"github.com/creeklabs/creek/kms/localengine"
	"github.com/creeklabs/creek/kms/memoryengine"
	"github.com/creeklabs/creek/kms/remote"
	"github.com/creeklabs/creek/queue"
	"github.com/creeklabs/creek/session"
	"github.com/creeklabs/creek/sqs"
	"github.com/creeklabs/creek/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	initLogger(cfg.LogLevel)

	ctx := context.Background()
	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("creekd exited")
	}
}

func initLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(lvl)
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := storage.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	engine, err := buildKMSEngine(ctx, cfg, db)
	if err != nil {
		return fmt.Errorf("build kms engine: %w", err)
	}

	creds := credential.New(db, engine)
	pipeline := auth.New(creds)
	queues := queue.New(db)
	dispatcher := sqs.New(queues, cfg.Host)
	dispatcher.DefaultMaxRetries = cfg.DefaultMaxRetries

	hashKey := []byte(cfg.SessionCookieHashKey)
	if len(hashKey) == 0 {
		log.Warn().Msg("SESSION_COOKIE_HASH_KEY unset, generating an ephemeral key; sessions will not survive a restart")
		hashKey = randomKey(32)
	}
	sessions := session.New(db, hashKey, time.Duration(cfg.SessionTTLSeconds)*time.Second)

	server := &httpapi.Server{
		Pipeline:     pipeline,
		Dispatcher:   dispatcher,
		Credentials:  creds,
		Queues:       queues,
		Sessions:     sessions,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}

	log.Info().Str("addr", cfg.HTTPAddr).Str("kms_backend", string(cfg.KMSBackend)).Msg("starting creekd")
	return http.ListenAndServe(cfg.HTTPAddr, server.Router())
}

func buildKMSEngine(ctx context.Context, cfg *config.Config, db *sql.DB) (ckms.Engine, error) {
	switch cfg.KMSBackend {
	case config.KMSBackendMemory:
		return memoryengine.New(), nil
	case config.KMSBackendLocal:
		return localengine.New(db), nil
	case config.KMSBackendRemote:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMSRemoteRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return remote.New(kms.NewFromConfig(awsCfg)), nil
	default:
		return nil, fmt.Errorf("unknown kms backend %q", cfg.KMSBackend)
	}
}

func randomKey(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
