package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveMain(os.Args[2:])
	case "login":
		loginMain(os.Args[2:])
	case "backfill":
		backfillMain(os.Args[2:])
	case "status":
		statusMain(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("eightsleep <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  serve                        run the polling daemon (configured via EIGHTSLEEP_* env)")
	fmt.Println("  login [--email] [--state]    log in and write the session state file")
	fmt.Println("  backfill --from <date>       import historical trends into VictoriaMetrics")
	fmt.Println("  status [--state]             show the saved session")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// loadPassword reads the account password from EIGHTSLEEP_PASSWORD or, for
// setups that mount secrets as files, EIGHTSLEEP_PASSWORD_FILE.
func loadPassword() (string, error) {
	if password := os.Getenv("EIGHTSLEEP_PASSWORD"); password != "" {
		return password, nil
	}
	if path := os.Getenv("EIGHTSLEEP_PASSWORD_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", errors.New("set EIGHTSLEEP_PASSWORD or EIGHTSLEEP_PASSWORD_FILE")
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no password provided")
	}
	return line, nil
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "eightsleep-state.json"
	}
	return filepath.Join(home, ".config", "eightsleep", "state.json")
}
