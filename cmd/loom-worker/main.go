// loom-worker is the plugin host process. loomd launches it with the worker's
// stdin/stdout as the frame transport; stderr carries log output, which the
// supervisor forwards onto the event bus.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	loomversion "github.com/loomstudio/loom/internal/version"
	"github.com/loomstudio/loom/internal/worker"
)

func main() {
	printVersion := flag.Bool("version", false, "Print loom-worker version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println(loomversion.String())
		return
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.Printf("[Worker] loom-worker %s starting (pid=%d)", loomversion.String(), os.Getpid())

	srv := worker.NewServer(worker.NewEngine(), os.Stdin, os.Stdout, logger)
	err := srv.Serve()
	switch {
	case err == nil:
		logger.Printf("[Worker] host stream closed, exiting")
	case errors.Is(err, worker.ErrShutdown):
		logger.Printf("[Worker] shutdown requested, exiting")
	default:
		logger.Printf("[Worker] fatal: %v", err)
		os.Exit(1)
	}
}
