// Command toolgate is the operator CLI for the tool gateway. It runs the
// bundled backends as child processes and drives a gateway built from the
// local configuration.
package main

func main() {
	Execute()
}
