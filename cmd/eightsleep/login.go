package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joshp123/eightsleep-golang/eightsleep"
	"github.com/joshp123/eightsleep-golang/internal/sessioncache"
)

func loginMain(args []string) {
	flags := flag.NewFlagSet("login", flag.ExitOnError)
	email := flags.String("email", os.Getenv("EIGHTSLEEP_EMAIL"), "Account email")
	statePath := flags.String("state", envOrDefault("EIGHTSLEEP_STATE_FILE", defaultStateFile()), "Session state file")
	timeout := flags.Duration("timeout", time.Minute, "Login timeout")
	_ = flags.Parse(args)

	if *email == "" {
		usage()
		os.Exit(2)
	}
	password, err := loadPassword()
	if err != nil {
		password, err = promptPassword()
		if err != nil {
			fatal("login", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := eightsleep.New(*email, password)
	if err := client.Start(ctx); err != nil {
		fatal("login", err)
	}
	defer client.Stop()

	session := client.CurrentSession()
	if err := sessioncache.WriteState(*statePath, sessioncache.FromSession(*email, session)); err != nil {
		fatal("login", err)
	}

	fmt.Printf("Logged in as %s (user %s)\n", *email, session.UserID)
	fmt.Printf("Session expires: %s\n", session.Expiry.UTC().Format(time.RFC3339))
	fmt.Printf("State file: %s\n", *statePath)
}
