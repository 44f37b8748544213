package main

import "github.com/go-go-golems/jiminy/cmd/jiminy/cmds"

func main() {
	cmds.Execute()
}
