// Command slatepush runs the push notification dispatch service for the
// Navy Slate habit tracker.
//
// Configuration is read from the environment:
//
//	VAPID_PUBLIC_KEY / VAPID_PRIVATE_KEY  base64url raw EC key bytes
//	VAPID_SUBJECT                         contact URI claimed in VAPID tokens
//	VAPID_KMS_KEY                         optional Cloud KMS key version name;
//	                                      replaces the env private key
//	SUPABASE_URL / SUPABASE_SERVICE_ROLE_KEY  hosted subscription store
//	PUSH_DB_PATH                          SQLite fallback store
//	ADDR                                  listen address
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"

	"github.com/drhousemd1/slatepush"
	"github.com/drhousemd1/slatepush/keys"
	"github.com/drhousemd1/slatepush/server"
	"github.com/drhousemd1/slatepush/storage"
)

type config struct {
	Addr string `env:"ADDR, default=:8080"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT, default=mailto:admin@navyslate.app"`
	VAPIDKMSKey     string `env:"VAPID_KMS_KEY"`

	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	DBPath             string `env:"PUSH_DB_PATH"`
}

func main() {
	genkeys := flag.Bool("genkeys", false, "generate a VAPID key pair and exit")
	flag.Parse()

	log := clog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := clog.WithLogger(context.Background(), log)

	if *genkeys {
		priv, pub, err := keys.GenerateKeyPair()
		if err != nil {
			log.Errorf("generating key pair: %v", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Errorf("reading configuration: %v", err)
		os.Exit(1)
	}

	signer, err := newSigner(ctx, cfg)
	if err != nil {
		log.Errorf("configuring VAPID signer: %v", err)
		os.Exit(1)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Errorf("configuring storage: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	client := slatepush.NewClient(signer, cfg.VAPIDSubject)
	handler := server.New(store, client)

	log.Infof("VAPID public key: %s", client.PublicKeyBase64())
	log.Infof("listening on %s", cfg.Addr)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Errorf("server failed: %v", err)
		os.Exit(1)
	}
}

func newSigner(ctx context.Context, cfg config) (slatepush.Signer, error) {
	if cfg.VAPIDKMSKey != "" {
		return keys.NewKMSSigner(ctx, cfg.VAPIDKMSKey)
	}
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required (or set VAPID_KMS_KEY)")
	}
	return keys.NewEnvSigner(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
}

func newStore(ctx context.Context, cfg config) (storage.Store, error) {
	switch {
	case cfg.SupabaseURL != "":
		if cfg.SupabaseServiceKey == "" {
			return nil, fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required with SUPABASE_URL")
		}
		return storage.NewREST(cfg.SupabaseURL, cfg.SupabaseServiceKey), nil
	case cfg.DBPath != "":
		return storage.NewSQLite(cfg.DBPath)
	default:
		clog.FromContext(ctx).Warnf("no store configured, subscriptions will not survive restarts")
		return storage.NewMemory(), nil
	}
}
