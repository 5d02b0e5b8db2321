package main

import "github.com/nextlevelbuilder/agentherd/cmd"

func main() {
	cmd.Execute()
}
