// Strider is a multi-tenant LLM gateway. It accepts requests in several
// chat wire dialects, routes them across upstream provider credentials
// with failover, converts between dialects when the chosen upstream speaks
// another one, and accounts token usage per caller.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/strider.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("strider", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
