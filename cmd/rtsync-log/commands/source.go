// Package commands implements the rtsync-log subcommands.
package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rtsync/rtsync-go/pkg/log"
)

// Source is a capture that may span several files, read in order.
type Source []string

// WithRolled expands each path into its rolled over files, oldest first,
// followed by the path itself.
func WithRolled(paths []string) Source {
	var src Source
	for _, p := range paths {
		var rolled []string
		for n := 1; ; n++ {
			name := log.RotatedPath(p, n)
			if _, err := os.Stat(name); err != nil {
				break
			}
			rolled = append(rolled, name)
		}
		for i := len(rolled) - 1; i >= 0; i-- {
			src = append(src, rolled[i])
		}
		src = append(src, p)
	}
	return src
}

// errStop ends a walk early without an error.
var errStop = errors.New("stop")

// Each calls fn with every event of the source that matches f.
func (s Source) Each(f log.Filter, fn func(log.Event) error) error {
	for _, path := range s {
		err := eachInFile(path, f, fn)
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func eachInFile(path string, f log.Filter, fn func(log.Event) error) error {
	r, err := log.OpenCapture(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer r.Close()

	for ev, err := range r.Events(f) {
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Selection is the flag form of a log.Filter.
type Selection struct {
	Conn      string
	Direction string
	Layer     string
	Category  string
	Method    string
	ID        string
	Entity    string
	Since     string
	Until     string
}

// Filter parses the selection.
func (s Selection) Filter() (log.Filter, error) {
	f := log.Filter{
		ConnectionID: s.Conn,
		Method:       s.Method,
		MessageID:    s.ID,
		Subject:      s.Entity,
	}
	var err error
	if f.Direction, err = parseEnum[log.Direction]("direction", s.Direction, 2); err != nil {
		return f, err
	}
	if f.Layer, err = parseEnum[log.Layer]("layer", s.Layer, 4); err != nil {
		return f, err
	}
	if f.Category, err = parseEnum[log.Category]("category", s.Category, 4); err != nil {
		return f, err
	}
	if f.Since, err = parseTime("since", s.Since); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until", s.Until); err != nil {
		return f, err
	}
	return f, nil
}

// parseEnum matches s against the names of the first n values of T. An
// empty s selects nothing.
func parseEnum[T interface {
	~uint8
	String() string
}](what, s string, n int) (*T, error) {
	if s == "" {
		return nil, nil
	}
	names := make([]string, 0, n)
	for i := range n {
		v := T(i)
		if strings.EqualFold(v.String(), s) {
			return &v, nil
		}
		names = append(names, strings.ToLower(v.String()))
	}
	return nil, fmt.Errorf("invalid %s %q (one of %s)", what, s, strings.Join(names, ", "))
}

func parseTime(what, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return t, fmt.Errorf("invalid %s time: %w", what, err)
	}
	return t, nil
}

func shortConn(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
