// Command dashboardctl is a thin client for the dashboard wire protocol
// (spec §6). It proves the wire contract only: it prints received
// frames and has no rendering logic, the dashboard TUI itself being out
// of scope (spec §1 Non-goals).
package main

func main() {
	Execute()
}
