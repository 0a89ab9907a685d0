// Command odeon runs and administers an odeon engine node.
//
// Usage:
//
//	odeon serve --config odeon.yaml
//	odeon migrate --db postgres://odeon@localhost/odeon
//	odeon jobs list [--node <id>] [--unassigned] [--limit <n>]
//	odeon jobs cancel <job-id>
//	odeon key encode orderId=42
//	odeon key decode '@2[{"set":"orderId","values":["42"]}]'
package main

import (
	"fmt"
	"os"

	"github.com/i2y/odeon/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
