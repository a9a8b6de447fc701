package main

import (
	"github.com/fatih/color"
)

// Colors are dropped automatically when output is not a terminal.
func okLabel() string {
	return color.GreenString("ok")
}

func failLabel() string {
	return color.RedString("invalid")
}
