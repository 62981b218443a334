package main

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fsdp/pkg/fsdp"
	"github.com/pkg/errors"
)

// parsePolicy parses the -policy flag: "none", "size:<num_params>" (e.g. "size:1M"), "depth:<max_depth>" or
// "kind:<kind>[,<kind>...]".
func parsePolicy(value string) (fsdp.WrapPolicy, error) {
	if value == "" || value == "none" {
		return nil, nil
	}
	name, arg, found := strings.Cut(value, ":")
	if !found || arg == "" {
		return nil, errors.Errorf("invalid policy %q", value)
	}
	switch name {
	case "size":
		n, err := humanize.ParseBytes(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid size in policy %q", value)
		}
		return fsdp.ModuleSizePolicy{MinNumParams: int(n)}, nil
	case "depth":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return nil, errors.Errorf("invalid depth in policy %q", value)
		}
		return fsdp.DepthPolicy{MaxDepth: n}, nil
	case "kind":
		return fsdp.NewKindPolicy(strings.Split(arg, ",")...), nil
	default:
		return nil, errors.Errorf("unknown policy %q", name)
	}
}
