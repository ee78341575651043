package app

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"horse.fit/newsdedup/internal/auth"
)

func runHashToken(args []string) int {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	cost := fs.Int("cost", auth.DefaultBcryptCost, "bcrypt cost")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	hash, err := hashTokenFrom(os.Stdin, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-token failed: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

// hashTokenFrom hashes the first line of r.
func hashTokenFrom(r io.Reader, cost int) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", fmt.Errorf("no token on stdin")
	}
	return auth.HashTokenWithCost(token, cost)
}
