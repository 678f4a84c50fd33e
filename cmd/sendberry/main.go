// Command sendberry sends files between peers over TCP with automatic
// reconnection and resumable transfers.
package main

import "github.com/blockberries/sendberry/internal/cli"

func main() {
	cli.Execute()
}
