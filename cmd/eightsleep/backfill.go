package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joshp123/eightsleep-golang/eightsleep"
	"github.com/joshp123/eightsleep-golang/internal/sessioncache"
)

func backfillMain(args []string) {
	flags := flag.NewFlagSet("backfill", flag.ExitOnError)
	fromFlag := flags.String("from", "", "Start date (YYYY-MM-DD)")
	toFlag := flags.String("to", time.Now().Format("2006-01-02"), "End date (YYYY-MM-DD)")
	importURL := flags.String("import-url", envOrDefault("EIGHTSLEEP_VM_IMPORT_URL", eightsleep.DefaultImportURL), "VictoriaMetrics import endpoint")
	batchSize := flags.Int("batch-size", 5000, "Samples per import request")
	throttle := flags.Duration("throttle", 200*time.Millisecond, "Pause between trend fetches")
	usersFlag := flags.String("users", "", "Comma-separated user ids (default: all tracked)")
	statePath := flags.String("state", envOrDefault("EIGHTSLEEP_STATE_FILE", defaultStateFile()), "Session state file")
	partner := flags.Bool("partner", truthy(os.Getenv("EIGHTSLEEP_PARTNER")), "Include the partner side")
	_ = flags.Parse(args)

	if *fromFlag == "" {
		usage()
		os.Exit(2)
	}
	from, err := time.Parse("2006-01-02", *fromFlag)
	if err != nil {
		fatal("backfill", fmt.Errorf("invalid --from date: %w", err))
	}
	to, err := time.Parse("2006-01-02", *toFlag)
	if err != nil {
		fatal("backfill", fmt.Errorf("invalid --to date: %w", err))
	}

	email := os.Getenv("EIGHTSLEEP_EMAIL")
	if email == "" {
		fatal("backfill", fmt.Errorf("EIGHTSLEEP_EMAIL is required"))
	}
	password, err := loadPassword()
	if err != nil {
		fatal("backfill", err)
	}

	opts := []eightsleep.Option{
		eightsleep.WithTimezone(os.Getenv("EIGHTSLEEP_TIMEZONE")),
	}
	if *partner {
		opts = append(opts, eightsleep.WithPartner())
	}
	if state, err := sessioncache.ReadState(*statePath); err == nil {
		opts = append(opts, eightsleep.WithSession(state.Session()))
	}

	ctx := context.Background()
	client := eightsleep.New(email, password, opts...)
	if err := client.Start(ctx); err != nil {
		fatal("backfill", err)
	}
	defer client.Stop()

	var users []string
	if *usersFlag != "" {
		users = strings.Split(*usersFlag, ",")
	}

	if err := eightsleep.Backfill(ctx, client, eightsleep.BackfillOptions{
		From:      from,
		To:        to,
		Users:     users,
		ImportURL: *importURL,
		BatchSize: *batchSize,
		Throttle:  *throttle,
	}); err != nil {
		fatal("backfill", err)
	}

	fmt.Printf("Backfilled trends from %s to %s\n", from.Format("2006-01-02"), to.Format("2006-01-02"))
}
