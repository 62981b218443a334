// fsdp_plan shows how a module tree, described in YAML, would be sharded: which units are created,
// the size of each shard and the hooks installed. It simulates all the ranks of the world in-process.
//
// Usage:
//
//	fsdp_plan -world_size=8 -policy=kind:TransformerBlock model.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/support/fsutil"
	"github.com/gomlx/fsdp/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagStrategy = flag.String("strategy", distributed.FullShard.String(),
		"Sharding strategy, one of: "+strings.Join(distributed.ShardingStrategyStrings(), ", "))
	flagPolicy = flag.String("policy", "none", "Wrap policy: none, size:<num_params> (e.g. size:10M), "+
		"depth:<max_depth> or kind:<kind>[,<kind>...]")
	flagWorldSize       = flag.Int("world_size", 2, "Number of simulated ranks.")
	flagLocalSize       = flag.Int("local_size", 0, "Number of ranks per node, used by hybrid strategies. 0 means one node.")
	flagRank            = flag.Int("rank", 0, "Rank whose plan is reported.")
	flagForwardPrefetch = flag.Bool("forward_prefetch", false, "Enable forward prefetching.")
	flagSteps           = flag.Int("steps", 1, "Number of forward and backward passes to simulate.")
	flagHooks           = flag.Bool("hooks", false, "List the hooks installed.")
	flagNoColor         = flag.Bool("no_color", false, "Disable colors in the output.")
)

var flagIgnore = xslices.Flag("ignore", nil, "Comma-separated paths of the modules to ignore.",
	func(path string) (string, error) { return path, nil })

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one YAML file with the module tree. See 'fsdp_plan -help'.")
		os.Exit(1)
	}
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	opts := planOptions{
		Strategy:        must.M1(distributed.ShardingStrategyString(*flagStrategy)),
		Policy:          must.M1(parsePolicy(*flagPolicy)),
		Ignore:          *flagIgnore,
		WorldSize:       *flagWorldSize,
		LocalSize:       *flagLocalSize,
		Rank:            *flagRank,
		ForwardPrefetch: *flagForwardPrefetch,
		Steps:           *flagSteps,
	}
	treeYAML := must.M1(fsutil.ReadFile(args[0]))
	p, err := simulate(context.Background(), treeYAML, opts)
	if err != nil {
		klog.Exitf("Failed to shard %q: %+v", args[0], err)
	}
	report(p, opts, *flagHooks)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func report(p *plan, opts planOptions, withHooks bool) {
	fmt.Println(titleStyle.Render("Summary"))
	fmt.Println(summaryTable(p, opts).Render())
	fmt.Println(titleStyle.Render(fmt.Sprintf("Handles of rank %d", opts.Rank)))
	fmt.Println(handlesTable(p).Render())
	if withHooks {
		fmt.Println(titleStyle.Render("Hooks"))
		fmt.Println(hooksTable(p).Render())
	}
}

func summaryTable(p *plan, opts planOptions) *lgtable.Table {
	s := p.State
	table := newTable(false)
	table.Row("strategy", s.Config().Strategy.String())
	table.Row("world", fmt.Sprintf("%d ranks, reporting rank %d", opts.WorldSize, opts.Rank))
	table.Row("shard group", fmt.Sprint(s.ProcessGroup().Ranks()))
	if rg := s.ReplicateGroup(); rg != nil {
		table.Row("replicate group", fmt.Sprint(rg.Ranks()))
	}
	numModules := 0
	for range p.Root.Modules() {
		numModules++
	}
	table.Row("# modules", humanize.Comma(int64(numModules)))
	table.Row("# ignored", humanize.Comma(int64(len(s.IgnoredModules()))))
	table.Row("# handles", humanize.Comma(int64(len(s.Handles()))))
	var numel, shardNumel int
	for _, h := range s.Handles() {
		numel += h.NumElements()
		shardNumel += h.ShardSize()
	}
	table.Row("# parameters", humanize.Comma(int64(numel)))
	table.Row("parameters memory", humanize.Bytes(uint64(numel)*4))
	table.Row("shards memory (per rank)", humanize.Bytes(uint64(shardNumel)*4))
	stats := s.Stats()
	table.Row("passes", humanize.Comma(int64(stats.Passes)))
	table.Row("gathers (demand / prefetch)", fmt.Sprintf("%d / %d", stats.DemandGathers, stats.Prefetches))
	return table
}

func handlesTable(p *plan) *lgtable.Table {
	table := newTable(true)
	table.Row("#", "Unit", "Params", "Elements", "Padded", "Shard", "Shard Memory", "Devices")
	for _, h := range p.State.Handles() {
		unit := h.UnitPath()
		if unit == "" {
			unit = "(root)"
		}
		table.Row(
			fmt.Sprint(h.Index()), unit,
			humanize.Comma(int64(len(h.Parameters()))),
			humanize.Comma(int64(h.NumElements())),
			humanize.Comma(int64(h.PaddedSize())),
			humanize.Comma(int64(h.ShardSize())),
			humanize.Bytes(uint64(h.ShardSize())*4),
			fmt.Sprintf("%s / %s", h.ComputeDevice(), h.ShardDevice()),
		)
	}
	return table
}

func hooksTable(p *plan) *lgtable.Table {
	table := newTable(true)
	table.Row("Module", "Hook", "Priority")
	for _, reg := range p.State.HookRegistrations() {
		path := reg.Path
		if path == "" {
			path = "(root)"
		}
		table.Row(path, reg.Kind.String(), fmt.Sprint(reg.Priority))
	}
	return table
}
