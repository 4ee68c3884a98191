package main

import "github.com/afk-tools/claude-afk/cmd"

func main() {
	cmd.Execute()
}
