// server runs the standardized-patient session engine.
//
// Usage:
//
//	server serve                              # HTTP API on HTTP_ADDRESS
//	server personas                           # list catalog personas
//	server scenarios                          # list catalog scenarios
//	server compose -p jordan-patel -s exertional-chest-pain --phase objective
//
// Configuration is read from the environment and an optional .env file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
