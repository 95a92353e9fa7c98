// Package main is the badgedrv CLI: a thin dispatcher over the typed
// badge facade, plus the FUSE mount entrypoint.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/gousb"
	"golang.org/x/term"

	"badgedrv/internal/badge"
	"badgedrv/internal/badgefs"
	"badgedrv/internal/config"
	"badgedrv/internal/discovery"
	"badgedrv/internal/engine"
	"badgedrv/internal/transport"
	"badgedrv/internal/wire"
)

var printStdout bool

func usage() {
	fmt.Fprintf(os.Stderr, `badgedrv: talk to a CampZone-style USB badge without a browser.

Usage:
  badgedrv [flags] <command> [args]

Commands:
  list                      list attached badges matching the configured VID/PID
  doctor                    probe the configured badge and report whether it answers
  tree                      list every file on the badge, depth first
  ls <path>                 list one directory
  get <path>                write a file's contents to stdout
  set <path>                write stdin to a file
  create-file <path>        create an empty file
  create-dir <path>         create a directory
  rm <path>                 delete a file or directory
  cp <from> <to>            copy a file on the badge
  mv <from> <to>            move/rename a file on the badge
  run <path>                run an app's __init__.py (omit the /flash prefix)
  shell                     open an interactive serial console
  mount <dir>               mount the badge's filesystem at dir

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadBadgeConfig()
	if err != nil {
		log.Fatalf("badgedrv: config: %v", err)
	}

	cmd, rest := args[0], args[1:]

	if cmd == "list" {
		runList(cfg)
		return
	}

	if cmd == "doctor" {
		runDoctor(cfg)
		return
	}

	tr, err := transport.Open(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		log.Fatalf("badgedrv: %v", err)
	}

	eng := engine.New(tr, func(text string) {
		translated := strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", "\r\n")
		if printStdout {
			fmt.Print(translated)
		}
	})
	b := badge.New(eng)

	done := make(chan struct{})
	go func() {
		eng.Run()
		close(done)
	}()

	if cmd == "mount" {
		if len(rest) != 1 {
			usage()
			os.Exit(2)
		}
		runMount(b, eng, rest[0])
		eng.Close()
		<-done
		return
	}

	if err := runCommand(b, cmd, rest); err != nil {
		log.Printf("badgedrv: %v", err)
		eng.Close()
		<-done
		os.Exit(1)
	}

	eng.Close()
	<-done
}

func runList(cfg *config.BadgeConfig) {
	candidates, err := discovery.ListCandidates(cfg.VendorID, cfg.ProductID)
	if err != nil {
		log.Fatalf("badgedrv: list: %v", err)
	}
	if len(candidates) == 0 {
		fmt.Println("no badges found")
		return
	}
	for _, c := range candidates {
		fmt.Printf("bus %d addr %d vid:pid %04x:%04x serial=%q\n", c.Bus, c.Address, c.VendorID, c.ProductID, c.Serial)
	}
}

func runDoctor(cfg *config.BadgeConfig) {
	state := discovery.CheckDeviceState(cfg.VendorID, cfg.ProductID, 2*time.Second)
	if state.Error != "" {
		fmt.Printf("bus %d addr %d vid:pid %04x:%04x: %s\n", state.Bus, state.Address, state.VendorID, state.ProductID, state.Error)
		os.Exit(1)
	}
	status := "not responding"
	if state.Responding {
		status = "responding"
	}
	fmt.Printf("bus %d addr %d vid:pid %04x:%04x serial=%q: %s\n", state.Bus, state.Address, state.VendorID, state.ProductID, state.Serial, status)
}

// runCommand primes the device with a heartbeat and a settling delay,
// matching every non-mount subcommand's startup sequence, then
// dispatches.
func runCommand(b *badge.Badge, cmd string, args []string) error {
	if err := b.Heartbeat(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	time.Sleep(500 * time.Millisecond)

	switch cmd {
	case "tree":
		return cmdTree(b)
	case "ls":
		if len(args) != 1 {
			return fmt.Errorf("ls: expected a path")
		}
		return cmdLs(b, args[0])
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get: expected a path")
		}
		return cmdGet(b, args[0])
	case "set":
		if len(args) != 1 {
			return fmt.Errorf("set: expected a path")
		}
		return cmdSet(b, args[0])
	case "create-file":
		if len(args) != 1 {
			return fmt.Errorf("create-file: expected a path")
		}
		return b.CreateFile(args[0])
	case "create-dir":
		if len(args) != 1 {
			return fmt.Errorf("create-dir: expected a path")
		}
		return b.CreateDir(args[0])
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("rm: expected a path")
		}
		return b.DeletePath(args[0])
	case "cp":
		if len(args) != 2 {
			return fmt.Errorf("cp: expected <from> <to>")
		}
		return b.CopyFile(args[0], args[1])
	case "mv":
		if len(args) != 2 {
			return fmt.Errorf("mv: expected <from> <to>")
		}
		return b.MoveFile(args[0], args[1])
	case "run":
		if len(args) != 1 {
			return fmt.Errorf("run: expected a path")
		}
		if strings.HasPrefix(args[0], "/flash") {
			log.Printf("badgedrv: run without the /flash prefix, e.g. run /apps/synthesizer/__init__.py")
		}
		return b.RunFile(args[0])
	case "shell":
		return cmdShell(b)
	default:
		usage()
		os.Exit(2)
		return nil
	}
}

func cmdTree(b *badge.Badge) error {
	type frame struct {
		base string
		name string
		dir  bool
	}
	stack := []frame{{base: "", name: "flash", dir: true}, {base: "", name: "sd", dir: true}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		path := top.base + "/" + top.name
		fmt.Println(path)
		if !top.dir {
			continue
		}

		listing, err := b.FetchDir(path)
		if err != nil {
			return err
		}
		if !listing.Found {
			continue
		}
		for _, entry := range listing.Entries {
			stack = append(stack, frame{base: path, name: entry.Name, dir: entry.Kind == wire.EntryDirectory})
		}
	}
	return nil
}

func cmdLs(b *badge.Badge, path string) error {
	listing, err := b.FetchDir(path)
	if err != nil {
		return err
	}
	if !listing.Found {
		fmt.Println("unable to load directory")
		return nil
	}
	for _, entry := range listing.Entries {
		fmt.Println(entry.Name)
	}
	return nil
}

func cmdGet(b *badge.Badge, path string) error {
	data, err := b.FetchFile(path)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdSet(b *badge.Badge, path string) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("set: reading stdin: %w", err)
	}
	return b.WriteFile(path, data)
}

// cmdShell opens an interactive serial console: it sends a Ctrl-C to
// stop whatever app may already be running on the badge, puts the
// local terminal into raw mode, and forwards stdin byte by byte.
func cmdShell(b *badge.Badge) error {
	printStdout = true

	if err := b.SerialIn([]byte{0x03}); err != nil {
		return fmt.Errorf("shell: sending ctrl-c: %w", err)
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("shell: entering raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	reader := bufio.NewReader(os.Stdin)
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("shell: reading stdin: %w", err)
		}
		if buf[0] == '\n' {
			if err := b.SerialIn([]byte("\r\n")); err != nil {
				return err
			}
			continue
		}
		if err := b.SerialIn(buf); err != nil {
			return err
		}
	}
}

func runMount(b *badge.Badge, eng *engine.Engine, dir string) {
	server, err := badgefs.Mount(dir, b, eng.Serial)
	if err != nil {
		log.Fatalf("badgedrv: mount: %v", err)
	}
	server.Wait()
}
