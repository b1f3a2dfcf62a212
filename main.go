package main

import (
	"github.com/ucp-ntfy/eredis/cmd"
)

func main() {
	cmd.Execute()
}
