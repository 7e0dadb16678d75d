package main

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/joshp123/eightsleep-golang/internal/sessioncache"
)

func statusMain(args []string) {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	statePath := flags.String("state", envOrDefault("EIGHTSLEEP_STATE_FILE", defaultStateFile()), "Session state file")
	_ = flags.Parse(args)

	state, err := sessioncache.ReadState(*statePath)
	if errors.Is(err, sessioncache.ErrStateNotFound) {
		fmt.Println("No saved session.")
		return
	}
	if err != nil {
		fatal("status", err)
	}

	validity := "expired"
	if state.Session().Valid(time.Now()) {
		validity = "valid"
	}
	fmt.Printf("Account: %s\n", state.Email)
	fmt.Printf("User id: %s\n", state.UserID)
	fmt.Printf("Expires: %s (%s)\n", state.ExpiresAt.UTC().Format(time.RFC3339), validity)
}
