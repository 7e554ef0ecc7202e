// Package main provides a command-line driver for imports. It starts or
// attaches to a job over the API and runs batch steps until the job ends.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloud-importer/internal/client"
	"github.com/cloud-importer/internal/config"
	"github.com/cloud-importer/internal/job"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/scheduler"
	"github.com/cloud-importer/internal/types"
)

func main() {
	var (
		server     = flag.String("server", "http://localhost:8080", "Importer API base URL")
		ownerID    = flag.String("owner", os.Getenv("IMPORT_OWNER_ID"), "Owner id sent with every request")
		tier       = flag.String("tier", "free", "Owner tier: free, paid")
		sourceType = flag.String("source", string(types.SourceDrive), "Source type: google_drive, local")
		ref        = flag.String("ref", "", "Folder link, folder id or local path to import")
		jobID      = flag.String("job", "", "Attach to an existing job instead of starting one")
		truncate   = flag.Bool("truncate", false, "Import only as many items as the quota allows")
		batchSize  = flag.Int("batch", 0, "Items per batch step (0 uses the configured default)")
		usage      = flag.Bool("usage", false, "Print usage statistics and exit")
		list       = flag.Int("list", 0, "Print the N most recent imports and exit")
	)
	flag.Parse()

	logging.InitGlobalLogger(logging.ParseLogLevel(envOr("LOG_LEVEL", "warn")), logging.FormatText)
	logger := logging.GetGlobalLogger()

	if *ownerID == "" {
		log.Fatal("-owner (or IMPORT_OWNER_ID) is required")
	}

	api := client.New(client.Config{
		BaseURL: *server,
		OwnerID: *ownerID,
		Tier:    types.ParseUserTier(*tier),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *usage:
		stats, err := api.UsageStats(ctx)
		if err != nil {
			log.Fatalf("Failed to fetch usage: %v", err)
		}
		printJSON(stats)
		return
	case *list > 0:
		logs, err := api.ListImports(ctx, *list)
		if err != nil {
			log.Fatalf("Failed to list imports: %v", err)
		}
		printJSON(logs)
		return
	}

	schedCfg := schedulerConfig()
	if *batchSize > 0 {
		schedCfg.BatchSize = *batchSize
	}
	s := scheduler.New(api, schedCfg)
	s.Subscribe(printSnapshot)

	if *jobID != "" {
		if err := s.Attach(ctx, *jobID); err != nil {
			log.Fatalf("Failed to attach: %v", err)
		}
	} else {
		if *ref == "" {
			log.Fatal("-ref is required when starting an import")
		}
		res, err := api.StartImport(ctx, &job.StartImportInput{
			SourceType:      types.SourceType(*sourceType),
			SourceRef:       *ref,
			TruncateToQuota: *truncate,
		})
		if err != nil {
			log.Fatalf("Failed to start import: %v", err)
		}
		fmt.Printf("Started job %s with %d items (quota remaining %d)\n", res.JobID, res.TotalCount, res.QuotaRemaining)
		if res.Message != "" {
			fmt.Println(res.Message)
		}
		if res.Completed {
			return
		}
		if err := s.Start(ctx, res.JobID, res.TotalCount); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	lines := make(chan string)
	go readLines(lines)

	fmt.Println("Commands: p = pause, r = resume, c = cancel")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted")
			return
		case res := <-s.Results():
			if res.QuotaExhausted {
				fmt.Println(res.Message)
			}
		case <-s.Done():
			final := s.Snapshot()
			fmt.Printf("Finished: %s\n", final.State)
			waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Wait(waitCtx)
			if final.State == scheduler.StateFailed {
				os.Exit(1)
			}
			return
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			handleCommand(s, line, lines)
		}
	}
}

func handleCommand(s *scheduler.Scheduler, line string, lines <-chan string) {
	var err error
	switch strings.TrimSpace(strings.ToLower(line)) {
	case "":
		return
	case "p":
		err = s.Pause()
	case "r":
		err = s.Resume()
	case "c":
		err = s.Cancel(func() bool {
			fmt.Print("Stop driving this import? Completed batches are kept. [y/N] ")
			answer, ok := <-lines
			return ok && strings.EqualFold(strings.TrimSpace(answer), "y")
		})
		if errors.Is(err, scheduler.ErrNotConfirmed) {
			fmt.Println("Cancel aborted")
			return
		}
	default:
		fmt.Println("Unknown command; use p, r or c")
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func readLines(out chan<- string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
	close(out)
}

func printSnapshot(snap scheduler.Snapshot) {
	line := fmt.Sprintf("[%s] %d/%d (%d%%) ok=%d failed=%d skipped=%d",
		snap.State, snap.Cursor, snap.Total, snap.Percentage,
		snap.Counters.Successful, snap.Counters.Failed, snap.Counters.Skipped)
	if snap.InFlight {
		line += " running batch"
	}
	if snap.LastError != "" {
		line += " last error: " + snap.LastError
	}
	fmt.Println(line)
	if snap.Message != "" && snap.State.IsTerminal() {
		fmt.Println(snap.Message)
	}
}

// schedulerConfig reads the scheduler timings from the environment. A broken
// server config must not stop the driver, so failures fall back to defaults.
func schedulerConfig() scheduler.Config {
	cfg, err := config.LoadConfig()
	if err != nil {
		return scheduler.DefaultConfig()
	}
	return scheduler.Config{
		PollInterval:      cfg.Scheduler.PollInterval,
		FirstPollDelay:    cfg.Scheduler.FirstPollDelay,
		FirstTriggerDelay: cfg.Scheduler.FirstTriggerDelay,
		StepTimeout:       cfg.Scheduler.StepTimeout,
		BatchSize:         cfg.Scheduler.BatchSize,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
}
