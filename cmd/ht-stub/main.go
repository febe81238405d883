// Command ht-stub speaks the ht line protocol over stdio while hosting a
// command in a PTY. It is meant for development and tests on machines
// without ht installed.
package main

import (
	"os"

	"github.com/memextech/headless-terminal-mcp/internal/htstub"
)

func main() {
	os.Exit(htstub.Main(os.Args[1:]))
}
