package main

import "github.com/alphauslabs/ferry/cmd/worker/cmd"

func main() {
	cmd.Execute()
}
