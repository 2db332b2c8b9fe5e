package main

import "github.com/tunneld/tunneld/cmd"

func main() {
	cmd.Execute()
}
