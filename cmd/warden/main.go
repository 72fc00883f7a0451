package main

import "github.com/noxguard/warden/cmd/warden/cmd"

func main() {
	cmd.Execute()
}
