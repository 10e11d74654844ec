package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-tty"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/kmem"
)

const consoleHelp = `commands:
  kmalloc <size>            kzalloc <size>          kfree <addr>
  vmalloc <size>            vzalloc <size>          vfree <addr>
  pages <order>             free_pages <addr> <order>
  kvmalloc <size>           kvfree <addr>
  read <addr> <len>         write <addr> <string>
  cpu <n>                   purge                   usage
  info                      help                    quit
sizes take K/M/G suffixes, addresses are hex`

// console is an interactive session against one System.
type console struct {
	sys *kmem.System
	cpu kmem.CPU
	out io.Writer
}

func runConsole(sys *kmem.System) error {
	t, err := tty.Open()
	if err != nil {
		return errors.Wrap(err, "opening the terminal")
	}
	defer t.Close()

	c0, err := sys.CPU(0)
	if err != nil {
		return err
	}
	con := &console{sys: sys, cpu: c0, out: t.Output()}
	fmt.Fprintln(con.out, consoleHelp)
	for {
		fmt.Fprintf(con.out, "cpu%d> ", con.cpu.ID())
		line, err := t.ReadString()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "reading the terminal")
		}
		if quit := con.exec(line); quit {
			return nil
		}
	}
}

// exec runs one command line and reports whether the session should end.
// A halt raised by the allocator ends the session.
func (con *console) exec(line string) (quit bool) {
	defer func() {
		if r := recover(); r != nil {
			h, ok := klog.AsHalt(r)
			if !ok {
				panic(r)
			}
			fmt.Fprintf(con.out, "%v\n", h)
			quit = true
		}
	}()

	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	if err := con.run(args[0], args[1:]); err != nil {
		if errors.Is(err, errQuit) {
			return true
		}
		fmt.Fprintf(con.out, "%s: %v\n", args[0], err)
	}
	return false
}

var errQuit = errors.New("quit")

// arity returns the argument count of the commands taking a fixed number.
func arity(cmd string) (int, bool) {
	switch cmd {
	case "free_pages", "read":
		return 2, true
	case "kmalloc", "kzalloc", "vmalloc", "vzalloc", "kvmalloc",
		"kfree", "vfree", "kvfree", "pages", "cpu":
		return 1, true
	}
	return 0, false
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	return v, errors.Wrapf(err, "bad address %q", s)
}

func wantArgs(args []string, n int) error {
	if len(args) != n {
		return errors.Newf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func (con *console) run(cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		fmt.Fprintln(con.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "usage":
		u := con.sys.Usage()
		fmt.Fprintf(con.out, "pages %d/%d free, %d slabs, %d vmalloc areas, %d lazy pages\n",
			u.FreePages, u.TotalPages, u.Slabs, u.VmAreas, u.LazyPages)
		return nil
	case "info":
		fmt.Fprintf(con.out, "%s\n", con.sys.InfoJSON())
		return nil
	case "purge":
		con.sys.Vmalloc().PurgeLazy(con.cpu.ID())
		return nil
	}

	if n, ok := arity(cmd); ok {
		if err := wantArgs(args, n); err != nil {
			return err
		}
	}
	switch cmd {
	case "kmalloc", "kzalloc", "vmalloc", "vzalloc", "kvmalloc":
		size, err := kmem.Memparse(args[0])
		if err != nil {
			return err
		}
		var addr uint64
		switch cmd {
		case "kmalloc":
			addr, err = con.cpu.Kmalloc(size, buddy.GFPKernel)
		case "kzalloc":
			addr, err = con.cpu.Kzalloc(size, buddy.GFPKernel)
		case "vmalloc":
			addr, err = con.cpu.Vmalloc(size)
		case "vzalloc":
			addr, err = con.cpu.Vzalloc(size)
		case "kvmalloc":
			addr, err = con.cpu.Kvmalloc(size, buddy.GFPKernel)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(con.out, "%#x\n", addr)
	case "pages":
		order, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		addr, err := con.cpu.GetFreePages(buddy.GFPKernel, order)
		if err != nil {
			return err
		}
		fmt.Fprintf(con.out, "%#x (%d pages)\n", addr, 1<<order)
	case "kfree", "vfree", "kvfree":
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		switch cmd {
		case "kfree":
			con.cpu.Kfree(addr)
		case "vfree":
			con.cpu.Vfree(addr)
		default:
			con.cpu.Kvfree(addr)
		}
	case "free_pages":
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		order, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		con.cpu.FreePagesAddr(addr, order)
	case "read":
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		n, err := kmem.Memparse(args[1])
		if err != nil {
			return err
		}
		buf := make([]byte, min(n, arch.PageSize))
		con.sys.ReadAt(addr, buf)
		fmt.Fprintf(con.out, "%q\n", buf)
	case "write":
		if len(args) < 2 {
			return errors.New("expected an address and a string")
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		con.sys.WriteAt(addr, []byte(strings.Join(args[1:], " ")))
	case "cpu":
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		c, err := con.sys.CPU(n)
		if err != nil {
			return err
		}
		con.cpu = c
	default:
		return errors.Newf("unknown command %q, try help", cmd)
	}
	return nil
}
