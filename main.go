package main

import "github.com/dhcgn/mboxrd/cmd"

func main() {
	cmd.Execute()
}
