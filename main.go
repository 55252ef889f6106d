package main

import "github.com/apiforward/apiforward/cmd"

func main() {
	cmd.Execute()
}
