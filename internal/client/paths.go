package client

import (
	"fmt"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceDir
)

// Source is one path named on the command line.
type Source struct {
	Path string
	Kind SourceKind
}

// ParseSources checks that every argument exists and classifies it.
func ParseSources(args []string) ([]Source, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<paths>", Cause: "no files provided"}
	}

	seen := make(map[string]bool, len(args))
	var out []Source

	for _, raw := range args {
		p := filepath.Clean(raw)
		if seen[p] {
			continue
		}
		seen[p] = true

		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := SourceFile
		switch {
		case info.IsDir():
			kind = SourceDir
		case !info.Mode().IsRegular():
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file or directory"}
		}

		out = append(out, Source{Path: p, Kind: kind})
	}

	return out, nil
}
