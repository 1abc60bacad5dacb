package main

import "github.com/pders01/revguard/cmd"

func main() {
	cmd.Execute()
}
