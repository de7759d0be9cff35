// Command evenginectl inspects and maintains an evengine record store.
package main

import (
	"fmt"
	"os"

	"github.com/randalmurphal/evengine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
