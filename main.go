package main

import "github.com/abboe/broker/cmd"

func main() {
	cmd.Execute()
}
