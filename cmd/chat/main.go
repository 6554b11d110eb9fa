package main

import "github.com/filipexyz/chatd/internal/cli/cmd"

func main() {
	cmd.Execute()
}
