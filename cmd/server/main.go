package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"barnehage/presence/internal/activity"
	"barnehage/presence/internal/config"
	"barnehage/presence/internal/db"
	"barnehage/presence/internal/event"
	"barnehage/presence/internal/fallback"
	internalhttp "barnehage/presence/internal/http"
	"barnehage/presence/internal/media"
	"barnehage/presence/internal/notify"
	"barnehage/presence/internal/presence"
	"barnehage/presence/internal/session"
	"barnehage/presence/internal/timeline"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	bus := event.NewBus(prometheus.DefaultRegisterer)
	store := db.NewStore(pool, bus)
	resolver := fallback.NewResolver(cfg.CriticalTimeout, cfg.BestEffortTimeout, cfg.AuthGatingTimeout)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	var s3Client media.S3Client
	if cfg.MediaBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.MediaRegion))
		if err != nil {
			log.Fatalf("object storage init failed: %v", err)
		}
		s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.MediaEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.MediaEndpoint)
				o.UsePathStyle = true
			}
		})
	}

	sessions := session.NewResolver(store, resolver)
	machine := presence.NewMachine(store, resolver, prometheus.DefaultRegisterer)
	activities := activity.NewEngine(store, resolver)
	timelines := timeline.NewProjector(store, bus, resolver)
	mediaSvc := media.NewService(s3Client, store, resolver, cfg.MediaBucket, cfg.MediaBaseURL, cfg.MediaUploadTimeout, cfg.InlineImageCeiling)
	tokens := notify.NewRegistry(redisClient, resolver, cfg.PushTokenTTL)
	go tokens.RunSweeper(ctx, cfg.PushTokenSweepInterval)

	server := internalhttp.NewServer(cfg, store, resolver, sessions, machine, activities, timelines, mediaSvc, tokens)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("presence http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
