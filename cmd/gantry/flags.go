package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type ServeFlags struct {
	ConfigPath string
}

type MigrateFlags struct {
	ConfigPath string
	Timeout    time.Duration
}

type StatusFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}
