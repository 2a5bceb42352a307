package main

import "hackerden/internal/cli"

func main() {
	cli.Execute()
}
