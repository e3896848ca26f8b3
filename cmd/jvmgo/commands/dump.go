package commands

import (
	"flag"
	"fmt"
	"os"

	"jvmgo/internal/classloader"
	"jvmgo/internal/interpreter"
	"jvmgo/internal/jit"
	"jvmgo/internal/vmconfig"
)

// DumpCommand resolves <binary-name> off the composed classpath, picks
// the method named by -method and -descriptor (main([Ljava/lang/String;)V
// by default) and disassembles its Task IR, or, with -llvm, hands
// that IR to the JIT and prints the compiled module's LLVM IR text.
func DumpCommand(args []string) error {
	fs := flag.NewFlagSet("jvmgo dump", flag.ContinueOnError)
	llvm := fs.Bool("llvm", false, "print the JIT-compiled LLVM IR instead of the Task IR")
	methodName := fs.String("method", "main", "method name to dump")
	descriptorStr := fs.String("descriptor", "([Ljava/lang/String;)V", "method descriptor to dump")

	// Register -classpath/-heap-size/etc onto this same FlagSet so one
	// Parse sees every flag regardless of where it falls in argv; two
	// FlagSets parsing the same argv in sequence would each stop at the
	// other's positional <binary-name> before reaching its own flags.
	finalize := vmconfig.Register(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := finalize()
	if fs.NArg() == 0 {
		return fmt.Errorf("jvmgo dump: missing <binary-name>")
	}
	binaryName := fs.Arg(0)

	loader, closeSources, err := buildLoader(cfg)
	if err != nil {
		return err
	}
	defer closeSources()

	classId, err := loader.ResolveByName(binaryName)
	if err != nil {
		return fmt.Errorf("jvmgo dump: resolving %s: %w", binaryName, err)
	}
	class := loader.Get(classId)
	if class.Instance == nil {
		return fmt.Errorf("jvmgo dump: %s is not an instance class", binaryName)
	}

	id := classloader.MethodIdentifier{Name: *methodName, Descriptor: *descriptorStr}
	method, ok := class.Instance.Methods[id]
	if !ok {
		return fmt.Errorf("jvmgo dump: %s has no method %s%s", binaryName, id.Name, id.Descriptor)
	}

	tasks, err := interpreter.CompiledTasks(method)
	if err != nil {
		return fmt.Errorf("jvmgo dump: compiling %s%s: %w", id.Name, id.Descriptor, err)
	}

	if *llvm {
		fn, err := jit.CompileHot(method, tasks.Tasks)
		if err != nil {
			return fmt.Errorf("jvmgo dump: jit: %w", err)
		}
		fmt.Println(fn.String())
		return nil
	}

	return printTasks(os.Stdout, binaryName, id, tasks)
}

func printTasks(w *os.File, binaryName string, id classloader.MethodIdentifier, tasks *interpreter.TaskList) error {
	fmt.Fprintf(w, "%s.%s%s  (maxLocals=%d maxStack=%d)\n", binaryName, id.Name, id.Descriptor, tasks.MaxLocals, tasks.MaxStack)
	for i, task := range tasks.Tasks {
		fmt.Fprintf(w, "%4d: %+v\n", i, task)
	}
	return nil
}
