package main

import "github.com/vietddude/autopay/internal/cli"

func main() {
	cli.Execute()
}
