// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// vaultsyncd is the sync server daemon: it migrates the database,
// wires the services and serves the HTTP API until signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"haex.io/vaultsync/creds"
	"haex.io/vaultsync/gateway"
	"haex.io/vaultsync/identity"
	"haex.io/vaultsync/server"
	"haex.io/vaultsync/server/syncapi"
	"haex.io/vaultsync/sync"
	"haex.io/vaultsync/syncdb"
)

// Version is set at build time.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "vaultsyncd",
		Short: "end-to-end encrypted sync server",
	}
	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// config is the process configuration, bound from the environment.
type config struct {
	Port        int
	CORSOrigin  string
	Environment string

	AuthURL    string
	ServiceKey string

	S3Endpoint   string
	S3RootUser   string
	S3RootPass   string
	S3Region     string
	BucketPrefix string

	StorageEncryptionKey string
	DatabaseURL          string
}

func loadConfig() config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", 3000)
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_BUCKET_PREFIX", "user-")

	return config{
		Port:        v.GetInt("PORT"),
		CORSOrigin:  v.GetString("CORS_ORIGIN"),
		Environment: v.GetString("ENVIRONMENT"),

		AuthURL:    v.GetString("AUTH_URL"),
		ServiceKey: v.GetString("SERVICE_KEY"),

		S3Endpoint:   v.GetString("S3_ENDPOINT"),
		S3RootUser:   v.GetString("S3_ROOT_USER"),
		S3RootPass:   v.GetString("S3_ROOT_PASSWORD"),
		S3Region:     v.GetString("S3_REGION"),
		BucketPrefix: v.GetString("S3_BUCKET_PREFIX"),

		StorageEncryptionKey: v.GetString("STORAGE_ENCRYPTION_KEY"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
	}
}

func run(ctx context.Context) (err error) {
	conf := loadConfig()

	logConfig := zap.NewProductionConfig()
	if conf.Environment == "development" {
		logConfig = zap.NewDevelopmentConfig()
	}
	log, err := logConfig.Build()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if conf.DatabaseURL == "" {
		return errs.New("DATABASE_URL is required")
	}
	if conf.AuthURL == "" {
		return errs.New("AUTH_URL is required")
	}

	db, err := syncdb.Open(ctx, log.Named("db"), conf.DatabaseURL, syncdb.Options{})
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}

	identityClient := identity.NewClient(log.Named("identity"), identity.Config{
		URL:        conf.AuthURL,
		ServiceKey: conf.ServiceKey,
	})

	syncService, err := sync.NewService(log.Named("sync"), db)
	if err != nil {
		return err
	}

	backendConfig := gateway.BackendConfig{
		Endpoint:     conf.S3Endpoint,
		RootUser:     conf.S3RootUser,
		RootPassword: conf.S3RootPass,
		Region:       conf.S3Region,
	}

	var (
		credsService *creds.Service
		backend      gateway.Backend
		storage      syncapi.StorageInfo
	)
	if backendConfig.Configured() && conf.StorageEncryptionKey != "" {
		credsService, err = creds.NewService(log.Named("creds"), db.StorageCredentials(), conf.StorageEncryptionKey)
		if err != nil {
			return err
		}
		backend, err = gateway.DialBackend(backendConfig)
		if err != nil {
			return err
		}
		storage = syncapi.StorageInfo{
			Endpoint:     conf.S3Endpoint,
			Region:       conf.S3Region,
			BucketPrefix: conf.BucketPrefix,
		}
	} else {
		log.Warn("object storage is not configured, storage routes degrade to 503")
	}

	storageGateway := gateway.New(log.Named("gateway"), backend, credsService, identityClient,
		db.Quotas(), gateway.Config{BucketPrefix: conf.BucketPrefix})
	authController := syncapi.NewAuth(log.Named("authapi"), identityClient, credsService,
		db.Quotas(), storage)

	srv := server.New(log.Named("server"), server.Config{
		Address:     fmt.Sprintf(":%d", conf.Port),
		CORSOrigin:  conf.CORSOrigin,
		Name:        "vaultsync",
		Version:     Version,
		Environment: conf.Environment,
	}, server.Services{
		Sync:              syncService,
		Identity:          identityClient,
		Gateway:           storageGateway,
		Auth:              authController,
		ServiceKey:        conf.ServiceKey,
		StorageConfigured: backend != nil,
	})

	return srv.Run(ctx)
}
