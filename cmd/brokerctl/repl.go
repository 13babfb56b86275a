package main

import (
	"fmt"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/splicebroker/internal/conn"
	"github.com/srg/splicebroker/internal/core"
)

// repl holds the mutable state a line-based session needs beyond what
// Core itself tracks: nothing durable, just somewhere to print to.
type repl struct {
	core *core.Core
}

func newREPL(c *core.Core) *repl {
	return &repl{core: c}
}

func (r *repl) dispatch(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, rest := fields[0], fields[1:]

	var result string
	var err error

	switch cmd {
	case "open_pty":
		result, err = r.openPTY()
	case "connect":
		result, err = r.connect(rest)
	case "listen":
		result, err = r.listen(rest)
	case "link":
		err = r.link(rest)
	case "unlink":
		err = r.unlink(rest)
	case "onclose":
		err = r.onClose(rest)
	case "onerror":
		err = r.onError(rest)
	case "close":
		err = r.close(rest)
	case "buffer_size":
		err = r.bufferSize(rest)
	case "exec":
		result, err = r.exec(rest)
	case "info":
		result = formatOrderedMap(r.core.Info())
	case "inotify":
		result, err = r.inotify(rest)
	case "dbg_handles":
		result = formatOrderedMap(r.core.DbgHandles())
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fmt.Printf("err %s\n", err)
		return
	}
	if result != "" {
		fmt.Println(result)
	}
}

func (r *repl) openPTY() (string, error) {
	id, ptsName, err := r.core.OpenPTY()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", r.handleString(id), ptsName), nil
}

func (r *repl) connect(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("connect: expected <path>")
	}
	id, err := r.core.Connect(args[0])
	if err != nil {
		return "", err
	}
	return r.handleString(id), nil
}

func (r *repl) listen(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("listen: expected <path>")
	}
	id, err := r.core.Listen(args[0], func(newID int) {
		fmt.Printf("accept %s \n", r.handleString(newID))
	})
	if err != nil {
		return "", err
	}
	return r.handleString(id), nil
}

func (r *repl) link(args []string) error {
	if len(args) == 1 {
		a, err := r.core.ParseHandle(args[0])
		if err != nil {
			return err
		}
		return r.core.Unlink(a)
	}
	if len(args) == 2 {
		a, err := r.core.ParseHandle(args[0])
		if err != nil {
			return err
		}
		b, err := r.core.ParseHandle(args[1])
		if err != nil {
			return err
		}
		return r.core.Link(a, b)
	}
	return fmt.Errorf("link: expected <hdl1> [<hdl2>]")
}

func (r *repl) unlink(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("unlink: expected <hdl>")
	}
	id, err := r.core.ParseHandle(args[0])
	if err != nil {
		return err
	}
	return r.core.Unlink(id)
}

func (r *repl) onClose(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("onclose: expected <hdl>")
	}
	id, err := r.core.ParseHandle(args[0])
	if err != nil {
		return err
	}
	return r.core.SetOnClose(id, func(closedID int) {
		fmt.Printf("on_close %s\n", r.handleString(closedID))
	})
}

func (r *repl) onError(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("onerror: expected <hdl>")
	}
	id, err := r.core.ParseHandle(args[0])
	if err != nil {
		return err
	}
	return r.core.SetOnError(id, func(errID int, class conn.ErrorClass, code, msg string) {
		fmt.Printf("on_error %s %s %s %s\n", r.handleString(errID), class, code, msg)
	})
}

func (r *repl) close(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("close: expected <hdl>")
	}
	id, err := r.core.ParseHandle(args[0])
	if err != nil {
		return err
	}
	return r.core.Close(id)
}

func (r *repl) bufferSize(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("buffer_size: expected <bytes>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("buffer_size: %w", err)
	}
	return r.core.SetBufferSize(n)
}

func (r *repl) exec(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("exec: expected <shell command>")
	}
	return r.core.Exec(strings.Join(args, " "))
}

func (r *repl) inotify(args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("inotify: expected <path> <mask-tokens...>")
	}
	path := args[0]
	tokens := args[1:]
	id, err := r.core.Inotify(path, tokens, func(id int, names []string, residual uint32, name string) {
		fmt.Printf("watch_event %s %s %s\n", r.handleString(id), formatWatchNames(names, residual), name)
	})
	if err != nil {
		return "", err
	}
	return r.handleString(id), nil
}

func formatWatchNames(names []string, residual uint32) string {
	if residual != 0 {
		names = append(names, fmt.Sprintf("%d", residual))
	}
	return strings.Join(names, ",")
}

func (r *repl) handleString(id int) string {
	return fmt.Sprintf("%s%d", flagHandlePrefix, id)
}

func formatOrderedMap(om *orderedmap.OrderedMap[string, string]) string {
	var b strings.Builder
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(&b, "%s %s\n", pair.Key, pair.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}
