// Command vaultsh is an interactive shell for vault containers: create or
// open a container, then browse and edit its filesystem from a prompt.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	gopath "path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"

	"github.com/kartikbazzad/vaultfile/pkg/vaultfile"
)

var commands = []string{
	"stats", "ls", "mkdir", "put", "get", "cat", "ln", "rm",
	"mv", "rename", "chmod", "repair", "checkpoint", "help", "quit",
}

func main() {
	create := flag.Bool("create", false, "create a new container")
	pageSize := flag.Int("page", 0, "page size for new containers")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vaultsh [-create] [-page N] [-v] <container>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (out []string) {
		for _, c := range commands {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}
		return out
	})
	loadHistory(line)

	pass, err := line.PasswordPrompt("secret: ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "aborted")
		os.Exit(1)
	}
	secret := sha256.Sum256([]byte(pass))

	opts := vaultfile.Options{PageSize: *pageSize, LogVerbose: *verbose}
	if *verbose {
		opts.LogOutput = os.Stderr
	}

	var vault *vaultfile.Vault
	if *create {
		vault, err = vaultfile.Setup(path, secret[:], uuid.New(), opts)
	} else {
		vault, err = vaultfile.Open(path, secret[:], opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultsh: %v\n", err)
		os.Exit(1)
	}
	defer vault.Close()

	for {
		input, err := line.Prompt("vault> ")
		if err != nil {
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		args := strings.Fields(input)
		if args[0] == "quit" || args[0] == "exit" {
			break
		}
		if err := run(vault, args); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		}
	}
	saveHistory(line)
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".vaultsh_history")
}

func loadHistory(line *liner.State) {
	if p := historyPath(); p != "" {
		if f, err := os.Open(p); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
}

func saveHistory(line *liner.State) {
	if p := historyPath(); p != "" {
		if f, err := os.Create(p); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
}

func run(vault *vaultfile.Vault, args []string) error {
	switch args[0] {
	case "help":
		fmt.Println("commands: " + strings.Join(commands, " "))
		return nil

	case "stats":
		stats, err := vault.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("id        %s\n", stats.ID)
		fmt.Printf("owner     %s\n", stats.Owner)
		fmt.Printf("created   %s\n", stats.Created.Format("2006-01-02 15:04:05"))
		fmt.Printf("page size %d\n", stats.PageSize)
		fmt.Printf("pages     %d (%d free)\n", stats.Pages, stats.FreePages)
		fmt.Printf("streams   %d\n", stats.Streams)
		fmt.Printf("entries   %d\n", stats.Entries)
		return nil

	case "ls":
		dir := "/"
		if len(args) > 1 {
			dir = args[1]
		}
		list, err := vault.List(dir)
		if err != nil {
			return err
		}
		for _, e := range list {
			kind := "-"
			if e.Dir {
				kind = "d"
			} else if e.Link {
				kind = "l"
			}
			fmt.Printf("%s %04o %10d  %s  %s\n",
				kind, e.Mode, e.Size, e.Modified.Format("2006-01-02 15:04"), e.Name)
		}
		return nil

	case "mkdir":
		if len(args) != 2 {
			return fmt.Errorf("usage: mkdir <path>")
		}
		return vault.Mkdir(args[1])

	case "put":
		if len(args) < 3 {
			return fmt.Errorf("usage: put <dir> <local>...")
		}
		dir := args[1]
		files := make(map[string]func() ([]byte, error))
		for _, local := range args[2:] {
			local := local
			files[gopath.Join(dir, filepath.Base(local))] = func() ([]byte, error) {
				return os.ReadFile(local)
			}
		}
		return vault.WriteFiles(context.Background(), files)

	case "get":
		if len(args) != 3 {
			return fmt.Errorf("usage: get <path> <local>")
		}
		data, err := vault.ReadFile(args[1])
		if err != nil {
			return err
		}
		return os.WriteFile(args[2], data, 0644)

	case "cat":
		if len(args) != 2 {
			return fmt.Errorf("usage: cat <path>")
		}
		data, err := vault.ReadFile(args[1])
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil

	case "ln":
		if len(args) != 3 {
			return fmt.Errorf("usage: ln <path> <target>")
		}
		return vault.Link(args[1], args[2])

	case "rm":
		mode := vaultfile.DeleteHard
		paths := args[1:]
		if len(paths) > 0 && paths[0] == "-s" {
			mode = vaultfile.DeleteSoft
			paths = paths[1:]
		} else if len(paths) > 0 && paths[0] == "-e" {
			mode = vaultfile.DeleteErase
			paths = paths[1:]
		}
		if len(paths) != 1 {
			return fmt.Errorf("usage: rm [-s|-e] <path>")
		}
		return vault.Remove(paths[0], mode)

	case "mv":
		if len(args) != 3 {
			return fmt.Errorf("usage: mv <path> <dir>")
		}
		return vault.Move(args[1], args[2])

	case "rename":
		if len(args) != 3 {
			return fmt.Errorf("usage: rename <path> <name>")
		}
		return vault.Rename(args[1], args[2])

	case "chmod":
		if len(args) != 3 {
			return fmt.Errorf("usage: chmod <octal> <path>")
		}
		mode, err := strconv.ParseUint(args[1], 8, 16)
		if err != nil {
			return err
		}
		return vault.Chmod(args[2], uint16(mode))

	case "repair":
		n, err := vault.Repair()
		if err != nil {
			return err
		}
		fmt.Printf("registry rebuilt, %d stream(s)\n", n)
		return nil

	case "checkpoint":
		return vault.Checkpoint()

	default:
		return fmt.Errorf("unknown command (try help)")
	}
}
