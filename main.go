package main

import (
	"os"

	"munet/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
