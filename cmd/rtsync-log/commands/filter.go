package commands

import (
	"errors"
	"fmt"

	"github.com/rtsync/rtsync-go/pkg/log"
)

// RunFilter copies the matching events of src into a new capture at
// output and returns how many were written.
func RunFilter(src Source, f log.Filter, output string) (n int, err error) {
	for _, p := range src {
		if p == output {
			return 0, fmt.Errorf("output %s is also an input", output)
		}
	}
	dst, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	defer func() { err = errors.Join(err, dst.Close()) }()

	err = src.Each(f, func(ev log.Event) error {
		dst.Log(ev)
		n++
		return nil
	})
	return n, err
}
