// Package enginetest provides a scripted fake engine for tests. The fake is
// the test binary itself, re-executed with a marker environment variable, so
// tests exercise real process spawning without depending on Python.
//
// A test package opts in by declaring
//
//	func TestHelperProcess(t *testing.T) { enginetest.Main() }
//
// and building its runner from Config().
package enginetest

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/JakeFAU/probgate/internal/engine"
)

const envKey = "PROBGATE_ENGINE_HELPER"

// Problem texts understood by the fake engine. Anything else is echoed back
// as {"problem": <text>}.
const (
	Probability = "probability"   // exit 0, stdout {"probability": 0.5}
	InvalidText = "invalid"       // exit 1, stderr "invalid syntax"
	SilentFail  = "silent-fail"   // exit 1, no output
	NotJSON     = "not-json"      // exit 0, stdout "not json"
	TwoDocs     = "two-documents" // exit 0, stdout with two JSON documents
	Chunked     = "chunked"       // exit 0, JSON written in several chunks
	Sleep       = "sleep"         // sleeps far longer than any test timeout
	ExitThree   = "exit-three"    // exit 3, stderr "bad distribution"
	Orphan      = "orphan"        // exit 0, a grandchild keeps stdout open for a few seconds
)

// holdPipe is the grandchild side of Orphan.
const holdPipe = "hold-pipe"

// Config returns an engine configuration that runs the fake engine.
func Config() engine.Config {
	return engine.Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     []string{envKey + "=1"},
	}
}

// Main runs the fake engine when the current process was started by Config,
// and returns immediately otherwise.
func Main() {
	if os.Getenv(envKey) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	problem := ""
	if len(args) > 0 {
		problem = args[len(args)-1]
	}
	os.Exit(respond(problem, len(args)))
}

func respond(problem string, argc int) int {
	switch problem {
	case Probability:
		fmt.Fprint(os.Stdout, `{"probability": 0.5}`)
		return 0
	case InvalidText:
		fmt.Fprint(os.Stderr, "invalid syntax")
		return 1
	case SilentFail:
		return 1
	case NotJSON:
		fmt.Fprint(os.Stdout, "not json")
		return 0
	case TwoDocs:
		fmt.Fprint(os.Stdout, `{"a":1}{"b":2}`)
		return 0
	case Chunked:
		for _, part := range []string{`{"distribution":`, ` "binomial", "steps": [`, `"a", "b"]}`, "\n"} {
			fmt.Fprint(os.Stdout, part)
			_ = os.Stdout.Sync()
			fmt.Fprint(os.Stderr, "progress\n")
			time.Sleep(5 * time.Millisecond)
		}
		return 0
	case Sleep:
		time.Sleep(time.Minute)
		return 0
	case Orphan:
		child := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", holdPipe)
		child.Env = os.Environ()
		child.Stdout = os.Stdout
		if err := child.Start(); err != nil {
			fmt.Fprint(os.Stderr, err.Error())
			return 2
		}
		fmt.Fprint(os.Stdout, `{"probability": 0.5}`)
		return 0
	case holdPipe:
		time.Sleep(3 * time.Second)
		return 0
	case ExitThree:
		fmt.Fprint(os.Stderr, "bad distribution")
		return 3
	default:
		out, err := json.Marshal(map[string]any{"problem": problem, "argc": argc})
		if err != nil {
			fmt.Fprint(os.Stderr, err.Error())
			return 2
		}
		fmt.Fprint(os.Stdout, string(out))
		return 0
	}
}
