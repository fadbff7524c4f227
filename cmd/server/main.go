package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tidegrid/metacore/internal/server"
)

func main() {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	app, err := server.NewApp()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go app.Scheduler.Run(ctx)

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, app.Handler); err != nil {
		log.Fatal(err)
	}
}
