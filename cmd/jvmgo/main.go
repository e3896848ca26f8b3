// cmd/jvmgo/main.go
package main

import (
	"fmt"
	"log"
	"os"

	"jvmgo/cmd/jvmgo/commands"
)

const Version = "1.0.0"

// commandAliases mirrors the teacher's single-letter shortcuts in
// cmd/sentra/main.go, resolved before dispatch.
var commandAliases = map[string]string{
	"r": "run",
	"d": "dump",
	"s": "serve",
	"v": "version",
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}

	switch cmd {
	case "--help", "-h", "help":
		showUsage()
	case "--version", "-v", "version":
		fmt.Println("jvmgo", Version)
	case "run":
		if err := commands.RunCommand(args[1:]); err != nil {
			log.Fatalf("jvmgo run: %v", err)
		}
	case "dump":
		if err := commands.DumpCommand(args[1:]); err != nil {
			log.Fatalf("jvmgo dump: %v", err)
		}
	case "serve":
		if err := commands.ServeCommand(args[1:]); err != nil {
			log.Fatalf("jvmgo serve: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "jvmgo: unknown command %q\n", cmd)
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`jvmgo - a bytecode VM for a stack-based OO instruction set

Usage:
  jvmgo run    [flags] <main-class>     resolve <main-class> and invoke its main(String[])
  jvmgo dump   [flags] <binary-name>    resolve and disassemble one method's Task IR
  jvmgo serve  [flags]                  run the inspect websocket endpoint standalone
  jvmgo version

Flags (shared, see -h on each subcommand):
  -classpath string        colon-separated directories and jars (JVMGO_CLASSPATH)
  -heap-size int           heap size in bytes (JVMGO_HEAP_SIZE)
  -stack-slots int         per-thread call stack capacity (JVMGO_STACK_SLOTS)
  -log-level string        debug|info|warn|error (JVMGO_LOG_LEVEL)
  -db-dsn string            additional SQL-backed ClassSource, e.g. sqlite://classes.db
  -require-signed           wrap the classpath chain in an Ed25519 signature gate
  -signing-pubkey string     hex-encoded Ed25519 public key (with -require-signed)
  -signing-sigs string       path to a "binaryName hexsignature" manifest

run-only flags:
  -inspect                  serve a GC-cycle/safepoint websocket feed alongside this run
  -inspect-addr string      address for -inspect's /inspect endpoint (default ":7890")

Aliases: r=run, d=dump, s=serve, v=version`)
}
