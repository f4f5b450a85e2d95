package main

import "github.com/OpenTraceLab/OpenTracePulse/cmd/pulsegen/cmd"

func main() {
	cmd.Execute()
}
