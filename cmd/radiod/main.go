package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/database"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/httpserver"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/redisclient"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	var dbPool *pgxpool.Pool
	if cfg.Database.Enabled() {
		dbPool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer dbPool.Close()
	} else {
		log.Printf("database url not set; generation history disabled")
	}

	redisClient, err := redisclient.New(cfg.Redis)
	if err != nil {
		log.Fatalf("configure redis: %v", err)
	}
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	container, err := app.NewContainer(ctx, cfg, dbPool, redisClient)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	if container.Observability != nil {
		defer container.Observability.Shutdown(context.Background())
	}

	go container.Clips.Run(ctx)
	container.HealthMon.Start(ctx)

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	log.Printf("radio imaging generator listening on %s", cfg.Server.ListenAddr)
	if err := server.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server stopped: %v", err)
	}
}
