// Package vmconfig resolves the VM's tunables from CLI flags and
// JVMGO_* environment variables, the way the teacher's cmd/sentra/main.go
// builds its flat alias/flag table ahead of dispatch.
package vmconfig

import (
	"flag"
	"os"
	"strconv"
	"time"
)

const (
	DefaultHeapSize         = 64 << 20 // 64 MiB
	DefaultStackSlots       = 1 << 16  // 65536 value slots per thread
	DefaultSafepointTimeout = 5 * time.Second
)

// Config is the resolved set of tunables every VM subsystem reads at
// startup. Nothing here is mutable once resolved. SafepointTimeout is
// resolved but not passed to the heap; the GC handshake always waits at
// most the heap's own fixed 5 seconds.
type Config struct {
	HeapSize         int
	StackSlots       int
	Classpath        []string
	SafepointTimeout time.Duration
	LogLevelName     string

	// DBDSN, when non-empty, adds a dbsrc.Source over this DSN to the
	// classpath chain, after every directory/jar entry.
	DBDSN string

	// RequireSigned wraps the whole classpath chain (directories, jars,
	// and the optional DBDSN source) in a signedsrc.Source once true.
	RequireSigned   bool
	SigningPubKey   string // hex-encoded Ed25519 public key
	SigningSigsPath string // path to a "binaryName hexsignature" manifest
}

// Register adds every shared VM flag to fs (highest precedence over the
// JVMGO_* environment variables, which back every flag's default except
// -require-signed's) and returns a finalize closure: call it after
// fs.Parse to read the flag-populated values into a Config. Splitting
// registration from finalization lets a subcommand add its own flags
// (jvmgo dump's -llvm, jvmgo run's -inspect) to the very same FlagSet
// before parsing once,
// rather than juggling two FlagSets racing over the same argv.
func Register(fs *flag.FlagSet) func() *Config {
	heapSize := fs.Int("heap-size", envInt("JVMGO_HEAP_SIZE", DefaultHeapSize), "heap size in bytes")
	stackSlots := fs.Int("stack-slots", envInt("JVMGO_STACK_SLOTS", DefaultStackSlots), "call stack capacity in value slots")
	classpath := fs.String("classpath", envString("JVMGO_CLASSPATH", ""), "colon-separated list of directories and jars")
	safepointMs := fs.Int("safepoint-timeout-ms", int(envDuration("JVMGO_SAFEPOINT_TIMEOUT", DefaultSafepointTimeout).Milliseconds()), "GC handshake timeout in milliseconds")
	logLevel := fs.String("log-level", envString("JVMGO_LOG_LEVEL", "info"), "debug|info|warn|error")
	dbDSN := fs.String("db-dsn", envString("JVMGO_DB_DSN", ""), "additional SQL-backed ClassSource, e.g. sqlite://classes.db")
	requireSigned := fs.Bool("require-signed", false, "wrap the classpath chain in an Ed25519 signature gate")
	signingPubKey := fs.String("signing-pubkey", envString("JVMGO_SIGNING_PUBKEY", ""), "hex-encoded Ed25519 public key (with -require-signed)")
	signingSigs := fs.String("signing-sigs", envString("JVMGO_SIGNING_SIGS", ""), "path to a \"binaryName hexsignature\" manifest")

	return func() *Config {
		return &Config{
			HeapSize:         *heapSize,
			StackSlots:       *stackSlots,
			Classpath:        splitClasspath(*classpath),
			SafepointTimeout: time.Duration(*safepointMs) * time.Millisecond,
			LogLevelName:     *logLevel,
			DBDSN:            *dbDSN,
			RequireSigned:    *requireSigned,
			SigningPubKey:    *signingPubKey,
			SigningSigsPath:  *signingSigs,
		}
	}
}

// Resolve is Register plus Parse for the common case: a subcommand with
// no flags of its own. Any positional arguments left over once flag
// parsing stops (e.g. the main class name for `jvmgo run`) are returned
// alongside the Config.
func Resolve(args []string) (*Config, []string, error) {
	fs := flag.NewFlagSet("jvmgo", flag.ContinueOnError)
	finalize := Register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return finalize(), fs.Args(), nil
}

func splitClasspath(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ':' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
