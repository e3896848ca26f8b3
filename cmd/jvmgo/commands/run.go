package commands

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"jvmgo/internal/binding"
	"jvmgo/internal/classloader"
	"jvmgo/internal/frame"
	"jvmgo/internal/heap"
	"jvmgo/internal/inspect"
	"jvmgo/internal/interpreter"
	"jvmgo/internal/vmconfig"
	"jvmgo/internal/vmlog"
)

var mainMethodId = classloader.MethodIdentifier{
	Name:       "main",
	Descriptor: "([Ljava/lang/String;)V",
}

// RunCommand resolves <main-class> off the composed classpath and invokes
// its public static void main(String[]), the way `java` itself starts a
// program, then threads any remaining CLI arguments into that method's
// String[] parameter.
func RunCommand(args []string) error {
	fs := flag.NewFlagSet("jvmgo run", flag.ContinueOnError)
	doInspect := fs.Bool("inspect", false, "serve a GC-cycle/safepoint websocket feed alongside this run")
	inspectAddr := fs.String("inspect-addr", ":7890", "address for -inspect's /inspect websocket endpoint")

	finalize := vmconfig.Register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := finalize()
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("jvmgo run: missing <main-class>")
	}
	mainClass, programArgs := rest[0], rest[1:]

	level, err := vmlog.ParseLevel(cfg.LogLevelName)
	if err != nil {
		return err
	}
	logger := vmlog.New(os.Stderr, level)

	loader, closeSources, err := buildLoader(cfg)
	if err != nil {
		return err
	}
	defer closeSources()

	h, err := heap.New(loader, cfg.HeapSize)
	if err != nil {
		return fmt.Errorf("jvmgo run: allocating heap: %w", err)
	}

	engine := interpreter.NewEngine(loader, h, binding.NewRegistry(), logger)

	if *doInspect {
		server := inspect.NewServer()
		engine.Inspect = server
		mux := http.NewServeMux()
		mux.Handle("/inspect", server)
		httpServer := &http.Server{Addr: *inspectAddr, Handler: mux}
		logger.Info("inspect: serving session %s on %s/inspect", server.SessionID(), *inspectAddr)
		go httpServer.ListenAndServe()
	}

	thread := interpreter.NewThread(engine, 1, cfg.StackSlots)
	defer thread.Release()

	ctx := context.Background()

	classId, err := loader.ResolveByName(mainClass)
	if err != nil {
		return fmt.Errorf("jvmgo run: resolving %s: %w", mainClass, err)
	}
	class := loader.Get(classId)
	if class.Instance == nil {
		return fmt.Errorf("jvmgo run: %s is not an instance class", mainClass)
	}

	method, ok := class.Instance.Methods[mainMethodId]
	if !ok {
		return fmt.Errorf("jvmgo run: %s has no main(String[]) method", mainClass)
	}
	if !method.IsStatic() {
		return fmt.Errorf("jvmgo run: %s.main(String[]) must be static", mainClass)
	}

	argsRef, err := thread.BuildStringArray(ctx, programArgs)
	if err != nil {
		return fmt.Errorf("jvmgo run: building argv: %w", err)
	}

	_, _, err = thread.Invoke(ctx, method, []frame.Slot{frame.SlotFromRef(int64(argsRef))}, []bool{true})
	if err != nil {
		return fmt.Errorf("jvmgo run: %s.main: %w", mainClass, err)
	}
	return nil
}
