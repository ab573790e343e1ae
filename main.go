package main

import "github.com/praxislabs/conductor/cmd"

func main() {
	cmd.Execute()
}
