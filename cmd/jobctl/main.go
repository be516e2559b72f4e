// jobctl is a small operator tool that works directly against the job
// store: enqueue test jobs, inspect rows, cancel what should not run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"planforge/internal/config"
	"planforge/internal/domain/model"
	"planforge/internal/domain/ports/repository"
	pg "planforge/internal/infra/db/postgres"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: jobctl [-config file] <command> [args]

commands:
  enqueue -session ID -type TASK -prompt TEXT [-api openrouter] [-model NAME]
  get JOB_ID
  cancel JOB_ID [-reason TEXT]
  cancel-session SESSION_ID [-reason TEXT]
  clear JOB_ID
  reconcile [-threshold 10m]
`)
	os.Exit(2)
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pg.Connect(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	store := pg.NewJobRepo(pool, pg.NewTxManager(pool))

	switch args[0] {
	case "enqueue":
		enqueue(ctx, store, args[1:])
	case "get":
		get(ctx, store, args[1:])
	case "cancel":
		cancelJob(ctx, store, args[1:])
	case "cancel-session":
		cancelSession(ctx, store, args[1:])
	case "clear":
		clear(ctx, store, args[1:])
	case "reconcile":
		reconcile(ctx, store, args[1:])
	default:
		usage()
	}
}

func enqueue(ctx context.Context, store repository.JobStore, args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	session := fs.String("session", "", "session id")
	taskType := fs.String("type", "llm_stream", "task type")
	prompt := fs.String("prompt", "", "prompt text")
	apiType := fs.String("api", "openrouter", "provider api type")
	modelName := fs.String("model", "", "model override")
	_ = fs.Parse(args)

	if *session == "" || *prompt == "" {
		log.Fatal("enqueue: -session and -prompt are required")
	}

	job := model.NewJob(*session, *taskType, *apiType, *prompt)
	job.ModelUsed = *modelName
	if err := store.CreateJob(ctx, nil, job); err != nil {
		log.Fatalf("create job: %v", err)
	}
	fmt.Printf("enqueued %s (session=%s type=%s)\n", job.ID, job.SessionID, job.TaskType)
}

func get(ctx context.Context, store repository.JobStore, args []string) {
	if len(args) < 1 {
		usage()
	}
	job, err := store.GetJob(ctx, nil, args[0])
	if err != nil {
		log.Fatalf("get job: %v", err)
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		log.Fatalf("encode job: %v", err)
	}
	fmt.Println(string(out))
}

func cancelJob(ctx context.Context, store repository.JobStore, args []string) {
	if len(args) < 1 {
		usage()
	}
	id := args[0]
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	reason := fs.String("reason", "canceled by operator", "cancellation reason")
	_ = fs.Parse(args[1:])

	err := store.UpdateStatus(ctx, nil, repository.StatusUpdate{
		ID:            id,
		Status:        model.JobStatusCanceled,
		StatusMessage: *reason,
	})
	if err != nil {
		log.Fatalf("cancel job: %v", err)
	}
	fmt.Printf("canceled %s\n", id)
}

func cancelSession(ctx context.Context, store repository.JobStore, args []string) {
	if len(args) < 1 {
		usage()
	}
	sessionID := args[0]
	fs := flag.NewFlagSet("cancel-session", flag.ExitOnError)
	reason := fs.String("reason", "canceled by operator", "cancellation reason")
	_ = fs.Parse(args[1:])

	n, err := store.CancelQueued(ctx, sessionID, *reason)
	if err != nil {
		log.Fatalf("cancel session: %v", err)
	}
	fmt.Printf("canceled %d queued jobs in session %s\n", n, sessionID)
}

func clear(ctx context.Context, store repository.JobStore, args []string) {
	if len(args) < 1 {
		usage()
	}
	if err := store.SetCleared(ctx, args[0], true); err != nil {
		log.Fatalf("clear job: %v", err)
	}
	fmt.Printf("cleared %s\n", args[0])
}

func reconcile(ctx context.Context, store repository.JobStore, args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	threshold := fs.Duration("threshold", 10*time.Minute, "stale threshold")
	_ = fs.Parse(args)

	n, err := store.ReconcileStaleRunning(ctx, *threshold)
	if err != nil {
		log.Fatalf("reconcile: %v", err)
	}
	fmt.Printf("failed %d stale jobs\n", n)
}
