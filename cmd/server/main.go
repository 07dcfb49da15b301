package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/toy-messenger/internal/server"
)

func main() {
	// Parse command-line flags
	addr := flag.String("addr", ":8000", "Address to listen on for the API and the channel (e.g., :8000)")
	uploads := flag.String("uploads", "", "Directory for uploaded files (default: under the temp directory)")
	secret := flag.String("secret", os.Getenv("MESSENGER_SECRET"), "Token signing secret (default: random per process)")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of issued access tokens")
	flag.Parse()

	logger := log.New(os.Stdout, "[SERVER] ", log.LstdFlags|log.Lshortfile)

	srv, err := server.New(server.Options{
		Address:   *addr,
		UploadDir: *uploads,
		Secret:    []byte(*secret),
		TokenTTL:  *ttl,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("Starting messenger server on %s...", *addr)
		errChan <- srv.Start()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatalf("Server error: %v", err)
		}
	case sig := <-sigChan:
		logger.Printf("Received signal %v, shutting down...", sig)
		srv.Stop()
	}

	logger.Println("Messenger server stopped")
}
