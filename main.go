package main

import "gmauleon.org/agecheck/cmd"

func main() {
	cmd.Execute()
}
