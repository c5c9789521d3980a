package main

import "github.com/kozaktomas/shelf-matcher/cmd"

func main() {
	cmd.Execute()
}
