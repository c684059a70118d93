package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Println("Usage: hoppyble <command> [flags]")
	fmt.Println("\nCommands:")
	fmt.Println("  run     join the group over BLE and print what arrives")
	fmt.Println("  send    send one file to the group and exit")
	fmt.Println("  keygen  generate a device key pair and a wrapped group key")
	fmt.Println("\nExample:")
	fmt.Println("  hoppyble run --config hoppyble.yaml")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "send":
		err = sendCmd(os.Args[2:])
	case "keygen":
		err = keygenCmd(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Printf("unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hoppyble %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}
