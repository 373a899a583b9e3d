package main

import "github.com/wing32s/gogrepoc/cmd"

func main() {
	cmd.Execute()
}
