// Command depgraph prints a Graphviz DOT rendering of this module's
// dependency graph, as reported by `go mod graph`. Edges out of the kfs
// module itself are drawn bold so the kernel's direct dependency surface
// stands out from the transitive closure.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

const root = "kfs"

func main() {
	out, err := exec.Command("go", "mod", "graph").Output()
	if err != nil {
		log.Fatalf("go mod graph: %v", err)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	fmt.Fprintln(w, "digraph deps {")
	fmt.Fprintln(w, "    rankdir=LR;")
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte{'\n'}) {
		fields := strings.Fields(string(line))
		if len(fields) != 2 {
			continue
		}
		attr := ""
		if fields[0] == root {
			attr = " [style=bold]"
		}
		fmt.Fprintf(w, "    %q -> %q%s;\n", fields[0], fields[1], attr)
	}
	fmt.Fprintln(w, "}")
}
