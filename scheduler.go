package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSearchScheduler starts a cron-driven loop that runs the discovery
// pipeline for every project. The schedule is a standard 5-field cron
// expression (minute hour day-of-month month day-of-week).
// Examples: "0 */6 * * *" (every 6 hours), "0 8 * * *" (daily 8am).
func StartSearchScheduler(cfg Config, o *Orchestrator, notifier *Notifier) {
	schedule := strings.TrimSpace(cfg.SearchSchedule)
	if schedule == "" {
		log.Println("Scheduled search disabled (search_schedule not set)")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid search_schedule '%s': %v — scheduled search disabled", schedule, err)
		return
	}
	log.Printf("Scheduled search enabled (cron: %s)", schedule)

	go func() {
		for {
			now := time.Now().In(cfg.Location)
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next scheduled search at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			time.Sleep(wait)
			runScheduledSearch(cfg, o, notifier)
		}
	}()
}

func runScheduledSearch(cfg Config, o *Orchestrator, notifier *Notifier) {
	projects, err := ListProjects(o.db)
	if err != nil {
		log.Printf("Scheduled search: listing projects failed: %v", err)
		return
	}

	for _, project := range projects {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SearchRunTimeout())
		now := time.Now().In(cfg.Location)

		result, err := o.RunProjectSearch(ctx, project, now)
		if err != nil {
			log.Printf("Scheduled search error project=%s: %v", project.ID, err)
		} else {
			summary := FormatSearchSummary(result)
			log.Printf("Scheduled search complete project=%s: %s", project.ID, summary)
			notifier.NotifyNewDiscoveries(project, result.Merge.Inserted, summary)
		}

		if cfg.MailboxConfigured() {
			ingest, err := o.IngestNewsletters(ctx, project, now)
			if err != nil {
				log.Printf("Scheduled ingest error project=%s: %v", project.ID, err)
			} else {
				summary := FormatIngestSummary(ingest)
				log.Printf("Scheduled ingest complete project=%s: %s", project.ID, summary)
				notifier.NotifyNewDiscoveries(project, ingest.Merge.Inserted, summary)
			}
		}
		cancel()
	}
}
