//go:build unix

// Command duplexctl runs a duplex echo server and streams files through it.
package main

func main() {
	Execute()
}
