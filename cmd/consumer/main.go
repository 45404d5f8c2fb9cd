package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"task-event-pipeline/internal/broker"
	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/consumer"
	"task-event-pipeline/internal/models"
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

	rdb := broker.NewClient(cfg)

	instance := os.Getenv("CONSUMER_ID")
	if instance == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			instance = hostname
		} else {
			instance = fmt.Sprintf("consumer-%d", os.Getpid())
		}
	}

	runners := []*consumer.Runner{
		consumer.NewRunner(
			broker.NewSubscriber(rdb, cfg, models.ConsumerAudit, instance),
			consumer.NewAudit(st), cfg),
		consumer.NewRunner(
			broker.NewSubscriber(rdb, cfg, models.ConsumerRecurring, instance),
			consumer.NewRecurring(st), cfg),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("consumers started instance=%s partitions=%d", instance, cfg.Partitions)
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *consumer.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("runner stopped: %v", err)
				cancel()
			}
		}(r)
	}
	wg.Wait()
}
