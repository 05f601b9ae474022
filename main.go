package main

import "tubefm/cmd"

func main() {
	cmd.Execute()
}
