package main

import "aleph/cmd"

func main() {
	cmd.Execute()
}
