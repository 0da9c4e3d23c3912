package main

import "github.com/emiliopalmerini/mbandit/internal/cli"

func main() {
	cli.Execute()
}
