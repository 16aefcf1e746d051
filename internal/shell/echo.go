package shell

import "io"

// EchoDispatcher writes the command line back verbatim. It stands in for
// the real command table (out of scope per §1) in tests and the demo
// entrypoint.
type EchoDispatcher struct{}

func (EchoDispatcher) Dispatch(cmd string, out io.Writer) {
	io.WriteString(out, cmd)
}
