package main

import (
	"github.com/xgr-network/pollinated/command/root"
)

func main() {
	root.NewRootCommand().Execute()
}
