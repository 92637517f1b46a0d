package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/devserver"
	"github.com/nkitajim/task-collabo/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	var authOpts devserver.AuthOptions
	if secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET"); secret != "" {
		authOpts.Secret = []byte(secret)
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing auth config: set LOCAL_AUTH_SHARED_SECRET or AUTH0_DOMAIN and AUTH0_AUDIENCE")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		authOpts.JWKS = jwks
		authOpts.Audience = jwtAudience
		authOpts.Issuer = "https://" + domain + "/"
	}
	auth, err := devserver.NewAuth(authOpts)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	var idem devserver.Idempotency
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(storage.ParseRedisURL(redisConn))
		defer rc.Close()
		ttl := 24 * time.Hour
		if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid IDEMPOTENCY_TTL: %v", err)
			}
			ttl = d
		}
		idem = devserver.NewRedisIdempotency(rc, ttl)
	}

	var origins []string
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}
	seed := true
	if v, err := strconv.ParseBool(os.Getenv("SEED_DEMO")); err == nil {
		seed = v
	}

	srv, err := devserver.New(devserver.Options{
		Auth:         auth,
		Logger:       logger,
		Idempotency:  idem,
		AllowOrigins: origins,
		SeedDemo:     seed,
	})
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	listenAddr := ":8000"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := srv.Start(listenAddr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()
	logger.WithField("addr", listenAddr).Info("board api listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
}
