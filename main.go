package main

import "github.com/reloquent/tableshift/cmd"

func main() {
	cmd.Execute()
}
