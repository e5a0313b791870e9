package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"
)

var _ pflag.Value = (*outputFlag)(nil)

// outputFlag is a --output value restricted to the formats a command supports
type outputFlag struct {
	value   string
	allowed []string
}

func newOutputFlag(allowed ...string) *outputFlag {
	return &outputFlag{value: allowed[0], allowed: allowed}
}

func (o *outputFlag) String() string { return o.value }

func (o *outputFlag) Set(s string) error {
	s = strings.ToLower(s)
	if !slices.Contains(o.allowed, s) {
		return fmt.Errorf("must be one of %s", strings.Join(o.allowed, ", "))
	}
	o.value = s
	return nil
}

func (o *outputFlag) Type() string { return "format" }

func (o *outputFlag) usage() string {
	return "output format: " + strings.Join(o.allowed, ", ")
}

func (o *outputFlag) is(format string) bool { return o.value == format }
