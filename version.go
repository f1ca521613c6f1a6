package main

import (
	"fmt"

	"github.com/any-hub/origin-cache/internal/version"
)

func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
