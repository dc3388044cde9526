// Package main is the entry point for the gridfill application
package main

import (
	_ "time/tzdata" // settlement period rules resolve IANA zones on hosts without zoneinfo

	"github.com/ethpandaops/gridfill/cmd"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cmd.Execute()
}
