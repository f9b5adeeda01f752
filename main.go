// Package main is the entry point for the themisdb server binary.
package main

import (
	"log"

	"go.themisdb.dev/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
