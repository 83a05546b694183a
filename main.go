package main

import "github.com/jake-scott/devicehub/cmd"

func main() {
	cmd.Execute()
}
