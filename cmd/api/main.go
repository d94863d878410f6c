package main

import "github.com/alphauslabs/ferry/cmd/api/cmd"

func main() {
	cmd.Execute()
}
