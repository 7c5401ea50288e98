package main

import (
	"fmt"
	"os"

	"github.com/go-nsfs/nsfs/cmd/nsfsctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
