package main

import "github.com/OpenTraceLab/OpenTraceSDM/cmd/sdm/cmd"

func main() {
	cmd.Execute()
}
