package main

import "github.com/samsaffron/claude-proxy/cmd"

func main() {
	cmd.Execute()
}
