package main

import "github.com/kartware/kartlive/cmd"

func main() {
	cmd.Execute()
}
