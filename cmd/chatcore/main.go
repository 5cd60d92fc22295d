// Chatcore is a provider-agnostic conversational AI backend: a single
// turn orchestrator that admits, rate-limits, safety-screens, and streams
// chat turns across interchangeable LLM providers with automatic fallback.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/chatcore.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("chatcore", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
