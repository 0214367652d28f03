package main

import (
	"os"

	"github.com/jaeles-project/chromespider/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
