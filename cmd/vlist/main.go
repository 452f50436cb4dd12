// vlist is a terminal front end for the list engine. It opens a listing
// from a local directory, a list server, PostgreSQL or S3 and prints the
// visible window as the viewport is scrolled.
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
