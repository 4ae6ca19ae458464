package main

import "github.com/userdir/apiserver/cmd"

func main() {
	cmd.Execute()
}
