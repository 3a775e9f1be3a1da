package main

import "github.com/MeKo-Tech/coloradjust/internal/cmd"

func main() {
	cmd.Execute()
}
