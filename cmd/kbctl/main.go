package main

import (
	"os"

	"dvai-assistant/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
