// Command shellctl is a headless stand-in for the desktop shell: it connects to the companion,
// sends one request and prints the response.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
