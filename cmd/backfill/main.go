// Package main provides the backfill CLI entry point.
package main

import "github.com/drfirst/go-adherence/cmd/backfill/command"

func main() {
	command.Execute()
}
