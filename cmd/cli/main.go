package main

import (
	"os"

	"mahaclassifier/internal/commander"
)

func main() {
	if err := commander.Execute(); err != nil {
		os.Exit(1)
	}
}
