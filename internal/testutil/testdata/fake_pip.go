package main

// A stand-in for pip. Behaviour is selected through environment variables:
//
//	FAKE_PIP_STATE  file holding the installed version ("" = not installed)
//	FAKE_PIP_MODE   install mode: ok (default), fail, nomarker, longline
import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pip <command>")
		os.Exit(2)
	}
	state := os.Getenv("FAKE_PIP_STATE")
	switch os.Args[1] {
	case "show":
		b, err := os.ReadFile(state)
		if err != nil || strings.TrimSpace(string(b)) == "" {
			fmt.Fprintln(os.Stderr, "WARNING: Package(s) not found:", strings.Join(os.Args[2:], " "))
			os.Exit(1)
		}
		fmt.Printf("Name: %s\nVersion: %s\nSummary: fake\n", os.Args[len(os.Args)-1], strings.TrimSpace(string(b)))
	case "install":
		wheel := os.Args[len(os.Args)-1]
		fmt.Printf("Processing %s\n", wheel)
		switch os.Getenv("FAKE_PIP_MODE") {
		case "fail":
			fmt.Fprintln(os.Stderr, "ERROR: wheel is not supported on this platform")
			os.Exit(1)
		case "nomarker":
			fmt.Println("Requirement already satisfied")
			return
		case "longline":
			long := strings.Repeat("x", 2<<20)
			fmt.Println(long)
			fmt.Println(long)
		}
		fmt.Println("Collecting aiohttp>=3.0")
		fmt.Println("  Downloading aiohttp-3.0-py3-none-any.whl")
		parts := strings.SplitN(filepath.Base(wheel), "-", 3)
		name, ver := parts[0], "0"
		if len(parts) > 1 {
			ver = parts[1]
		}
		fmt.Printf("Installing collected packages: aiohttp, %s\n", name)
		if state != "" {
			if err := os.WriteFile(state, []byte(ver), 0o644); err != nil {
				fmt.Fprintln(os.Stderr, "ERROR:", err)
				os.Exit(1)
			}
		}
		fmt.Printf("Successfully installed aiohttp-3.0 %s-%s\n", name, ver)
	case "env":
		fmt.Printf("PATH=%s\n", os.Getenv("PATH"))
		fmt.Printf("PYTHONPATH=%s\n", os.Getenv("PYTHONPATH"))
		fmt.Printf("VIRTUAL_ENV=%s\n", os.Getenv("VIRTUAL_ENV"))
	default:
		fmt.Fprintf(os.Stderr, "ERROR: unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}
