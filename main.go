package main

import (
	"context"
	"log"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"collabcore/config"
	"collabcore/config/database"
	"collabcore/internal/awareness"
	"collabcore/internal/collab"
	"collabcore/internal/document/repository"
	"collabcore/internal/permission"
	"collabcore/internal/relay"
	"collabcore/pkg/logger"
	"collabcore/router"
	"collabcore/socket"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables from OS")
	}
	logger.Init()
	defer logger.Log.Sync()

	cfg := config.Load()

	db := database.Connect(cfg)
	defer db.Close()

	repo := repository.NewDocumentRepository(db)
	gate := permission.NewGate(repo)

	// The hub needs the coordinator for dispatch and the coordinator needs
	// the hub to send, so they are constructed first and bound after.
	hub := socket.NewHub()
	coord := collab.NewCoordinator(gate, repo, hub, cfg.SessionTimeout)
	aware := awareness.NewBroadcaster(coord, cfg.AwarenessTimeout, cfg.TypingTimeout)
	coord.BindAwareness(aware)
	hub.Bind(coord)

	// Multi-node fan-out is opt-in: without redis every session lives on one
	// node and the relay is simply absent.
	if cfg.RedisAddr != "" {
		rl := relay.New(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		coord.BindRelay(rl)
		go rl.Listen(context.Background(), coord.DeliverRemote)
		logger.Sugar.Infof("Cross-node relay enabled via redis at %s", cfg.RedisAddr)
	}

	go hub.Run()
	go coord.RunSweeper(cfg.SessionSweepEvery)
	go aware.Run(cfg.AwarenessSweep)

	logger.Sugar.Infof("Collaboration backend listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, router.Setup(cfg, hub)); err != nil {
		logger.Sugar.Fatalf("Server failed: %v", err)
	}
}
