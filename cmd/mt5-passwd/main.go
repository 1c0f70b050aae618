// mt5-passwd seeds the operator login for the dashboard. It prints a
// bcrypt hash suitable for OPERATOR_PASSWORD_HASH (or the auth section
// of config.json); the server never stores or hashes passwords itself.
//
// Usage:
//
//	mt5-passwd            reads the password from stdin (pipe or one line)
//	mt5-passwd <password> hashes the argument directly
//
// Exit codes: 0 ok, 1 bad input, 2 hashing failure.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"mt5-trading-server/internal/auth"
)

func main() {
	os.Exit(run())
}

func run() int {
	var password string

	switch len(os.Args) {
	case 1:
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "mt5-passwd: no password on stdin")
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	case 2:
		password = os.Args[1]
	default:
		fmt.Fprintln(os.Stderr, "usage: mt5-passwd [password]")
		return 1
	}

	if password == "" {
		fmt.Fprintln(os.Stderr, "mt5-passwd: password must not be empty")
		return 1
	}
	// bcrypt silently truncates beyond 72 bytes; refuse instead
	if len(password) > 72 {
		fmt.Fprintln(os.Stderr, "mt5-passwd: password longer than 72 bytes")
		return 1
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mt5-passwd: %v\n", err)
		return 2
	}

	fmt.Println(hash)
	return 0
}
