package main

import (
	"fmt"
	"os"

	"github.com/conveyor-ci/conveyor/internal/clientcmd"
)

var version = "dev"

func main() {
	root := clientcmd.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
