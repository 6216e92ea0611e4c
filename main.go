package main

import "github.com/agentic-research/dirtree/cmd"

func main() {
	cmd.Execute()
}
