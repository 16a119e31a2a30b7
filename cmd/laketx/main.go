package main

import "github.com/florinutz/laketx/cmd"

func main() {
	cmd.Execute()
}
