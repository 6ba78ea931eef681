package main

import "spikewatch/internal/cli"

func main() {
	cli.Execute()
}
