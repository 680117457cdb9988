package main

import (
	"pipetrack/cmd/cli"
)

func main() {
	cli.Execute()
}
