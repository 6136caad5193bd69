package main

import "aerial-imagery/cmd"

func main() {
	cmd.Execute()
}
