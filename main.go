package main

import (
	"github.com/AvaProtocol/userop-bundler/cmd"
)

func main() {
	cmd.Execute()
}
