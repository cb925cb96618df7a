// Command ragctl drives the imaging recommendation pipeline from the shell.
package main

func main() {
	Execute()
}
