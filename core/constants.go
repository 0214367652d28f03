package core

const (
	CLIName = "chromespider"
	AUTHOR  = "@jaeles-project"
	VERSION = "v0.3.0"
)
