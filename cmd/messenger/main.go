package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/omochice/toy-messenger/internal/client"
	"github.com/omochice/toy-messenger/internal/config"
	"github.com/omochice/toy-messenger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Parse command-line flags; they override the environment
	flag.StringVar(&cfg.Server, "server", cfg.Server, "Server origin (e.g., http://localhost:8000)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the session database and the log")
	flag.BoolVar(&cfg.LocalEcho, "local-echo", cfg.LocalEcho, "Show outgoing messages before the server relays them")
	flag.Parse()

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		log.Fatalf("Failed to prepare data directory: %v", err)
	}

	// the terminal belongs to the TUI, so logs go to a file
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "messenger.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	logger := log.New(logFile, "[CLIENT] ", log.LstdFlags|log.Lshortfile)

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer st.Close()

	c, err := client.New(client.Options{
		Server:         cfg.Server,
		HTTPTimeout:    cfg.HTTPTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		TypingTTL:      cfg.TypingTTL,
		TypingInterval: cfg.TypingInterval,
		LocalEcho:      cfg.LocalEcho,
		Store:          st,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer c.Close()

	input := textinput.New()
	input.Placeholder = "/help for commands"
	input.Focus()

	m := model{
		client:  c,
		sub:     c.Subscribe(256),
		input:   input,
		history: viewport.New(80, 20),
		server:  cfg.Server,
	}

	resumed, err := c.Resume(context.Background())
	switch {
	case err != nil:
		m.addInfo("could not resume session: " + err.Error())
	case resumed:
		m.addInfo("session resumed")
	default:
		m.addInfo("not logged in: /login <username> <password> or /register <username> <email> <password>")
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		fmt.Printf("tui failed: %v\n", err)
		c.Close()
		os.Exit(1)
	}
}
