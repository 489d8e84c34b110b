package main

import (
	"github.com/baaaht/msgplane/cmd"
)

func main() {
	cmd.Execute()
}
