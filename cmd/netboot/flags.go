package main

import (
	"strconv"
	"strings"
)

type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string { return f.v }

func (f *stringFlag) Set(s string) error {
	f.v = s
	f.set = true
	return nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

// stringListFlag collects every occurrence of a repeatable flag.
type stringListFlag struct {
	v []string
}

func (f *stringListFlag) String() string { return strings.Join(f.v, ",") }

func (f *stringListFlag) Set(s string) error {
	f.v = append(f.v, s)
	return nil
}
