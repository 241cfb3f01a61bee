package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TopologySource yields a topology snapshot. It is consulted once per tick.
type TopologySource interface {
	Topology(ctx context.Context) (Topology, error)
}

// TopologyFunc adapts a function to TopologySource
type TopologyFunc func(ctx context.Context) (Topology, error)

func (f TopologyFunc) Topology(ctx context.Context) (Topology, error) {
	return f(ctx)
}

// StaticTopology always returns the same topology
func StaticTopology(topo Topology) TopologySource {
	snapshot := append(Topology(nil), topo...)
	return TopologyFunc(func(context.Context) (Topology, error) {
		return append(Topology(nil), snapshot...), nil
	})
}

// HostfileTopology re-reads a hostfile on every call so that elastic
// membership changes are picked up at the next tick.
func HostfileTopology(path string) TopologySource {
	return TopologyFunc(func(context.Context) (Topology, error) {
		return LoadHostfile(path)
	})
}

// LoadHostfile reads a hostfile from disk
func LoadHostfile(path string) (Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hostfile: %w", err)
	}
	defer f.Close()

	topo, err := ParseHostfile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hostfile %s: %w", path, err)
	}
	return topo, nil
}

// ParseHostfile parses lines of the form
//
//	<host> slots=<n> [type=<accelerator>]
//
// Blank lines and '#' comments are skipped. A host listed twice keeps its
// first position; later entries override slots and type.
func ParseHostfile(r io.Reader) (Topology, error) {
	var topo Topology
	index := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		res := HostResource{Host: fields[0]}
		for _, kv := range fields[1:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("line %d: malformed attribute %q", lineNo, kv)
			}
			switch key {
			case "slots":
				slots, err := strconv.Atoi(value)
				if err != nil || slots < 0 {
					return nil, fmt.Errorf("line %d: invalid slots %q", lineNo, value)
				}
				res.Slots = slots
			case "type":
				res.Type = value
			}
		}

		if i, seen := index[res.Host]; seen {
			topo[i] = res
			continue
		}
		index[res.Host] = len(topo)
		topo = append(topo, res)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return topo, nil
}
