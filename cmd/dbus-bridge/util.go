package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/creachadair/mds/heapq"
	"github.com/danderson/dbusbridge/bridge"
	"github.com/danderson/dbusbridge/dbus"
	"github.com/kr/pretty"
	"gopkg.in/yaml.v3"
)

type indenter struct {
	w          io.Writer
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) out() io.Writer {
	if i.w == nil {
		return os.Stdout
	}
	return i.w
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(i.out(), i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := i.out().Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

// listPeers yields the bus names matching peerFilter.
func listPeers(ctx context.Context, conn *dbus.Conn, peerFilter string) iter.Seq2[dbus.Peer, error] {
	if peerFilter == "" {
		// Unique bus connections fail to handle introspection
		// gracefully more often than not.
		peerFilter = `^[^:].*`
	}
	return func(yield func(dbus.Peer, error) bool) {
		f, err := regexp.Compile(peerFilter)
		if err != nil {
			yield(dbus.Peer{}, err)
			return
		}
		names, err := conn.ListNames(ctx)
		if err != nil {
			yield(dbus.Peer{}, err)
			return
		}
		slices.Sort(names)
		for _, n := range names {
			if !f.MatchString(n) {
				continue
			}
			if !yield(conn.Peer(n), nil) {
				return
			}
		}
	}
}

type objectInterface struct {
	dbus.Interface
	Description *dbus.InterfaceDescription
}

// listInterfaces walks peer's object tree in path order, and yields
// the interfaces whose object and name match the given filters.
func listInterfaces(ctx context.Context, peer dbus.Peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(func(a, b dbus.Object) int {
			return cmp.Compare(a.Path(), b.Path())
		})
		objs.Add(peer.Object("/"))
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Introspect(ctx)
			if err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(obj.Child(child))
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			for _, k := range slices.Sorted(maps.Keys(desc.Interfaces)) {
				if !im.MatchString(k) {
					continue
				}
				if !yield(objectInterface{obj.Interface(k), desc.Interfaces[k]}, nil) {
					return
				}
			}
		}
	}
}

// parseArgs decodes command-line call arguments, each a YAML scalar or
// flow collection.
func parseArgs(args []string) ([]any, error) {
	ret := make([]any, 0, len(args))
	for i, a := range args {
		var v any
		if err := yaml.Unmarshal([]byte(a), &v); err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", i+1, a, err)
		}
		if v == nil {
			// An empty argument is an empty string, not YAML null.
			v = a
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// printEvent writes a human-readable rendition of e.
func printEvent(w io.Writer, e *bridge.Event) {
	fmt.Fprintf(w, "Signal %s from %s:\n", e.Member(), e.Origin)
	for i, v := range e.Payload {
		name := fmt.Sprintf("arg%d", i)
		if i < len(e.ArgNames) {
			name = e.ArgNames[i]
		}
		fmt.Fprintf(w, "  %s: %# v\n", name, pretty.Formatter(bridge.ToNative(v)))
	}
	if e.Overflow {
		fmt.Fprintln(w, "OVERFLOW, some signals lost")
	}
	fmt.Fprintln(w)
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
