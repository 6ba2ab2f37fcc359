package main

import (
	"log"
	"net/http"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	engine := NewMergeEngine(db, cfg.MinRelevance)
	chain := newProviderChain(cfg)

	var mailbox mailboxAPI
	if cfg.MailboxConfigured() {
		mailbox = NewMailboxClient(cfg)
	}

	orc := NewOrchestrator(cfg, db, engine, chain, mailbox)
	notifier := NewNotifier(cfg)

	StartSearchScheduler(cfg, orc, notifier)

	srv := NewServer(cfg, db, orc)
	log.Printf("Starting scout on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, srv.Handler()); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}
