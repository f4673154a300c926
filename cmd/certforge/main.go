package main

import "github.com/jmcleod/certforge/cmd/certforge/cmd"

func main() {
	cmd.Execute()
}
