package graph

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	errwrap "github.com/pkg/errors"
)

// Graphviz renders the graph in DOT format.
// https://en.wikipedia.org/wiki/DOT_%28graph_description_language%29
func (g *Graph[T]) Graphviz() string {
	out := fmt.Sprintf("digraph %s {\n", g.Name)
	out += fmt.Sprintf("\tlabel=\"%s\";\n", g.Name)
	str := ""
	for _, n := range g.NodesSorted() {
		out += fmt.Sprintf("\t%q [label=%q];\n", n.Id().String(), n.String())
		for _, e := range n.AllOutgoing() {
			str += fmt.Sprintf("\t%q -> %q [label=%q];\n", e.Source().Id().String(), e.Target().Id().String(), fmt.Sprintf("L%d", e.Layer()))
		}
	}
	out += str
	out += "}\n"
	return out
}

// DumpGraphviz writes the DOT output to filename and invokes the named
// graphviz filter (dot, neato, twopi, circo, fdp) to render it to a PNG
// alongside it.
func (g *Graph[T]) DumpGraphviz(program, filename string) error {
	switch program {
	case "dot", "neato", "twopi", "circo", "fdp":
	default:
		return errwrap.Errorf("graph: invalid graphviz program %q", program)
	}
	if filename == "" {
		return errwrap.New("graph: no filename given")
	}

	// run as a normal user if possible when run with sudo
	uid, err1 := strconv.Atoi(os.Getenv("SUDO_UID"))
	gid, err2 := strconv.Atoi(os.Getenv("SUDO_GID"))

	if err := os.WriteFile(filename, []byte(g.Graphviz()), 0644); err != nil {
		return errwrap.Wrap(err, "graph: error writing dot file")
	}

	if err1 == nil && err2 == nil {
		if err := os.Chown(filename, uid, gid); err != nil {
			return errwrap.Wrap(err, "graph: error changing file owner")
		}
	}

	path, err := exec.LookPath(program)
	if err != nil {
		return errwrap.Wrap(err, "graph: graphviz program not found")
	}

	out := fmt.Sprintf("%s.png", filename)
	cmd := exec.Command(path, "-Tpng", fmt.Sprintf("-o%s", out), filename)
	if err1 == nil && err2 == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}}
	}
	if _, err := cmd.Output(); err != nil {
		return errwrap.Wrap(err, "graph: error rendering image")
	}
	return nil
}
