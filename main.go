package main

import "github.com/jmehdipour/subsync/cmd"

func main() {
	cmd.Execute()
}
