// dlqctl is the operator tool for the dead-letter queue: list, requeue, and
// purge without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/bus"
	"github.com/erauner12/crmsync/internal/db"
)

const maxBatch = 50

func usage() {
	fmt.Fprintf(os.Stderr, `usage: dlqctl [flags] <command>

commands:
  list              show dead letters (newest first)
  requeue <id>      move one dead letter back onto the queue
  requeue-all       requeue up to %d dead letters
  purge             delete up to %d dead letters

flags:
`, maxBatch, maxBatch)
	flag.PrintDefaults()
}

func main() {
	dsn := flag.String("dsn", "", "postgres DSN (defaults to DATABASE_URL)")
	queue := flag.String("queue", "crm-events", "queue name")
	limit := flag.Int("limit", maxBatch, "max rows to list or act on")
	flag.Usage = usage
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	if *limit > maxBatch {
		*limit = maxBatch
	}

	url := *dsn
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		log.Fatal().Msg("no DSN: pass -dsn or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, url, db.Options{MaxConns: 2, MinConns: 1})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	// maxAttempts/TTL only matter for enqueue; requeueing preserves
	// per-message settings.
	q := bus.New(pool, *queue, 5, 0)

	switch flag.Arg(0) {
	case "list":
		cmdList(ctx, q, *limit)
	case "requeue":
		if flag.NArg() < 2 {
			log.Fatal().Msg("requeue needs a dead letter id")
		}
		id, err := strconv.ParseInt(flag.Arg(1), 10, 64)
		if err != nil {
			log.Fatal().Str("arg", flag.Arg(1)).Msg("invalid dead letter id")
		}
		if err := q.Replay(ctx, id); err != nil {
			log.Fatal().Err(err).Int64("id", id).Msg("requeue failed")
		}
		fmt.Printf("requeued %d\n", id)
	case "requeue-all":
		cmdRequeueAll(ctx, q, *limit)
	case "purge":
		n, err := q.PurgeDead(ctx, *limit)
		if err != nil {
			log.Fatal().Err(err).Msg("purge failed")
		}
		fmt.Printf("purged %d dead letter(s)\n", n)
	default:
		usage()
		os.Exit(2)
	}
}

func cmdList(ctx context.Context, q *bus.Bus, limit int) {
	dead, err := q.ListDead(ctx, limit, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("list failed")
	}
	if len(dead) == 0 {
		fmt.Println("dead-letter queue is empty")
		return
	}
	for _, d := range dead {
		body := string(d.Body)
		if compact, err := compactJSON(d.Body); err == nil {
			body = compact
		}
		fmt.Printf("%8d  %s  attempts=%d  reason=%s\n          %s\n",
			d.ID, d.DeadAt.UTC().Format(time.RFC3339), d.Attempts, d.Reason, body)
	}
}

func cmdRequeueAll(ctx context.Context, q *bus.Bus, limit int) {
	dead, err := q.ListDead(ctx, limit, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("list failed")
	}
	requeued := 0
	for _, d := range dead {
		if err := q.Replay(ctx, d.ID); err != nil {
			log.Error().Err(err).Int64("id", d.ID).Msg("requeue failed, continuing")
			continue
		}
		requeued++
	}
	fmt.Printf("requeued %d of %d dead letter(s)\n", requeued, len(dead))
}

func compactJSON(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	return string(out), err
}
