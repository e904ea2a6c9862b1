package main

import "protocol-metrics/internal/cli"

func main() {
	cli.Execute()
}
