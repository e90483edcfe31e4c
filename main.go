package main

import "github.com/nextlevelbuilder/clawmem/cmd"

func main() {
	cmd.Execute()
}
