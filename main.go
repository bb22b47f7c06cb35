package main

import "github.com/minebridge/bridgebot/cmd"

func main() {
	cmd.Execute()
}
