package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ochat/config"
	"ochat/server"
	"ochat/store"
)

func main() {
	cfg := config.Load()

	st, err := store.Open(cfg.DBBackend, cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("shutting down")
		cancel()
	}()

	if err := server.New(cfg, st).Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
