package main

import "github.com/hongkongkiwi/dbsnap/cmd"

func main() {
	cmd.Execute()
}
