// Command sampler-report renders the JSON summary allocsampler writes
// at process exit as a human-readable size-bin histogram, with an
// optional full structural dump for debugging.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/yikesaxe/allocsampler/internal/sampler"
)

func main() {
	app := cli.NewApp()
	app.Name = "sampler-report"
	app.Usage = "render an allocsampler JSON summary as a histogram"
	app.ArgsUsage = "<summary-file>"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "dump",
			Usage: "dump the full decoded summary structure instead of the histogram",
		},
		cli.BoolFlag{
			Name:  "zero-windows",
			Usage: "print only the run header and the dead-zone-window diagnostics",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sampler-report:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("expected exactly one summary file argument", 1)
	}
	path := c.Args().Get(0)

	data, err := os.ReadFile(path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("reading %s: %v", path, err), 1)
	}

	var sum sampler.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return cli.NewExitError(fmt.Sprintf("decoding %s: %v", path, err), 1)
	}

	if c.Bool("dump") {
		spew.Dump(sum)
		return nil
	}

	printHeader(sum)
	if c.Bool("zero-windows") {
		printWindows(sum)
		return nil
	}
	printSizeBins(sum)
	printWindows(sum)
	return nil
}

func printHeader(sum sampler.Summary) {
	fmt.Printf("run %s  pid %d  scheme %s  policy %s\n", sum.RunID, sum.PID, sum.Scheme, sum.Policy)
	fmt.Printf("allocs %d (sampled %d, %.4f%%)  bytes %d (sampled %d, %.4f%%)\n",
		sum.TotalAllocs, sum.SampledAllocs, sum.SampleRateAllocs*100,
		sum.TotalBytesAlloc, sum.SampledBytesAlloc, sum.SampleRateBytes*100)
	if sum.ApproxSelfBytes != nil {
		fmt.Printf("sampler self-memory: %d bytes\n", *sum.ApproxSelfBytes)
	}
	if sum.ProcessRSSBytes != nil {
		fmt.Printf("process RSS %d bytes, VMS %d bytes\n", *sum.ProcessRSSBytes, valueOr(sum.ProcessVMSBytes))
	}
	fmt.Println()
}

func printSizeBins(sum sampler.Summary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Size Range", "Total", "Sampled", "Sample Rate"})
	for _, bin := range sum.SizeBins {
		rate := "0.0000%"
		if bin.Total > 0 {
			rate = fmt.Sprintf("%.4f%%", 100*float64(bin.Sampled)/float64(bin.Total))
		}
		table.Append([]string{bin.Range, fmt.Sprint(bin.Total), fmt.Sprint(bin.Sampled), rate})
	}
	table.Render()

	if sum.PageCoverage != nil {
		fmt.Printf("\npage coverage: %d unique pages, %d sampled\n",
			sum.PageCoverage.ApproxUniquePages, sum.PageCoverage.ApproxSampledPages)
	}
	if sum.IndexMetrics != nil {
		im := sum.IndexMetrics
		fmt.Printf("index: %d inserts, %d deletes, %d evictions, %d/%d current/peak (capacity %d)\n",
			im.Inserts, im.Deletes, im.Evictions, im.CurrentSize, im.PeakSize, im.Capacity)
	}
}

func printWindows(sum sampler.Summary) {
	fmt.Printf("dead-zone windows: %d total, %d with zero samples\n", sum.WindowsTotal, sum.WindowsZeroSampled)
	if sum.WindowsTotal > 0 && sum.WindowsZeroSampled == sum.WindowsTotal {
		fmt.Println("warning: every window sampled nothing; check SAMPLER_SCHEME and SAMPLER_HASH_MASK")
	}
}

func valueOr(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}
