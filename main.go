package main

import "github.com/xiaot623/gogo/turnorch/internal/cli"

func main() {
	cli.Execute()
}
