package main

import "couple-sync/cmd"

func main() {
	cmd.Run()
}
