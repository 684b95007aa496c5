package main

import "github.com/Jopie64/Boost2Git/cli"

func main() {
	cli.Execute()
}
