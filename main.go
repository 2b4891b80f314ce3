package main

import (
	"github.com/wkalt/walrus/cli/cmd"
)

func main() {
	cmd.Execute()
}
