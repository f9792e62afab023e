package main

// A stand-in for the managed application: prints a banner on stdout and
// stderr, then sleeps until signalled or FAKE_APP_LIFETIME elapses. With
// FAKE_APP_DAEMON=1 it starts a copy of itself sharing its stdout and stderr,
// prints "child pid=N" and exits at once.
import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	fmt.Printf("fake app started pid=%d\n", os.Getpid())
	fmt.Fprintln(os.Stderr, "fake app stderr line")
	if os.Getenv("FAKE_APP_DAEMON") == "1" {
		self, err := os.Executable()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		child := exec.Command(self)
		child.Env = append(os.Environ(), "FAKE_APP_DAEMON=0")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("child pid=%d\n", child.Process.Pid)
		return
	}
	lifetime := 30 * time.Second
	if v := os.Getenv("FAKE_APP_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			lifetime = d
		}
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-sig:
		fmt.Println("fake app stopping")
	case <-time.After(lifetime):
	}
}
