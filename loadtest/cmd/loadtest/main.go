// Package main is the entry point for the private chat load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - fanout: Room fan-out test, posts over HTTP and times delivery to viewers
//   - expiry: Room expiry test, times the reaper's closed frame against each
//     room's advertised deadline
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "fanout":
		runFanout(os.Args[2:])
	case "expiry":
		runExpiry(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  fanout      Room fan-out test, viewers per room receive messages and the destroy")
	fmt.Println("  expiry      Room expiry test, viewers wait for the reaper to close their rooms")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
