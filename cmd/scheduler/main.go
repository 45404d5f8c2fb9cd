package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/reminder"
	"task-event-pipeline/internal/store"
	"task-event-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	deliver := reminder.Router{
		Notifier: reminder.LogNotifier{},
		Mailer:   reminder.SMTPMailer{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom},
	}

	sched := reminder.NewScheduler(st, deliver, cfg)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("reminder scheduler started interval=%s batch=%d", cfg.ReminderInterval, cfg.ReminderBatchSize)
	<-ctx.Done()
	sched.Stop()
}
