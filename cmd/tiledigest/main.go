// tiledigest prints a BLAKE3 digest of every tile in a pyramid, or compares
// two pyramids tile by tile.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/pflag"

	"github.com/freeeve/hipsgen/internal/tile"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("tiledigest", pflag.ContinueOnError)
	compare := flagSet.String("compare", "", "second pyramid to compare against")
	quiet := flagSet.BoolP("quiet", "q", false, "only report differences")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: tiledigest [--compare DIR] DIR")
	}

	left, err := tile.Manifest(flagSet.Arg(0))
	if err != nil {
		return err
	}
	if *compare == "" {
		for _, name := range sortedKeys(left) {
			fmt.Printf("%s  %s\n", left[name], name)
		}
		return nil
	}

	right, err := tile.Manifest(*compare)
	if err != nil {
		return err
	}
	diffs := 0
	for _, name := range sortedKeys(left) {
		switch other, ok := right[name]; {
		case !ok:
			fmt.Printf("only in %s: %s\n", flagSet.Arg(0), name)
			diffs++
		case other != left[name]:
			fmt.Printf("differs: %s\n", name)
			diffs++
		case !*quiet:
			fmt.Printf("same: %s\n", name)
		}
	}
	for _, name := range sortedKeys(right) {
		if _, ok := left[name]; !ok {
			fmt.Printf("only in %s: %s\n", *compare, name)
			diffs++
		}
	}
	if diffs > 0 {
		return fmt.Errorf("%d of %d tiles differ", diffs, max(len(left), len(right)))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
