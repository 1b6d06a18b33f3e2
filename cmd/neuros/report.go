// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/kadirpekel/neuros/pkg/ratelimit"
)

// ReportCmd shows current budget usage.
type ReportCmd struct {
	Watch    bool          `short:"w" help:"Refresh the report until interrupted."`
	Interval time.Duration `help:"Refresh interval for --watch." default:"5s"`
	JSON     bool          `help:"Print the report as JSON."`
	ResetAll bool          `name:"reset-all" help:"Clear every counter in every store."`
	NoColor  bool          `name:"no-color" help:"Disable colours." env:"NO_COLOR"`
}

func (c *ReportCmd) Run(cli *CLI) error {
	noColor := c.NoColor || !term.IsTerminal(int(os.Stdout.Fd()))

	return withAdmission(cli, func(ctx context.Context, api admissionAPI) error {
		if c.ResetAll {
			if err := api.ResetAll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "all counters reset")
			return nil
		}

		show := func() error {
			report, err := api.Report(ctx)
			if err != nil {
				return err
			}
			if c.JSON {
				return writeJSON(os.Stdout, report)
			}
			if c.Watch && !noColor {
				fmt.Fprint(os.Stdout, "\033[H\033[2J")
			}
			fmt.Fprint(os.Stdout, renderReport(report, noColor))
			return nil
		}

		if !c.Watch {
			return show()
		}
		return watch(ctx, c.Interval, show)
	})
}

// watch calls show immediately and then every interval until interrupted.
func watch(ctx context.Context, interval time.Duration, show func() error) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := show(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

const barWidth = 20

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedColor = lipgloss.Color("242")

	statusColors = map[ratelimit.UsageStatus]lipgloss.Color{
		ratelimit.StatusOK:        lipgloss.Color("42"),
		ratelimit.StatusElevated:  lipgloss.Color("220"),
		ratelimit.StatusWarning:   lipgloss.Color("208"),
		ratelimit.StatusExhausted: lipgloss.Color("196"),
	}
)

// renderReport formats a report for the terminal.
func renderReport(r *ratelimit.Report, noColor bool) string {
	var b strings.Builder

	header := "Rate limit report"
	if r.InstanceID != "" {
		header += " | " + r.InstanceID
	}
	header += " | backend: " + r.Backend
	if r.Degraded {
		header += " (degraded)"
	}
	b.WriteString(bold(header, noColor))
	b.WriteString("\n")
	b.WriteString(stylize(strings.Repeat("=", 60), noColor, mutedColor))
	b.WriteString("\n\n")

	for _, budget := range r.Budgets {
		b.WriteString(bold(string(budget.Name), noColor))
		b.WriteString("\n")
		fmt.Fprintf(&b, "   Limit: %d requests per %s\n", budget.Limit, budget.Window)

		if len(budget.Entries) == 0 {
			b.WriteString("   Status: " + stylize("no usage", noColor, statusColors[ratelimit.StatusOK]) + "\n\n")
			continue
		}

		for _, e := range budget.Entries {
			status := stylize(fmt.Sprintf("%-9s", e.Status), noColor, statusColors[e.Status])
			fmt.Fprintf(&b, "   %s %s %d/%d [%s] %d%%\n",
				e.Identifier, status, e.Count, budget.Limit, progressBar(e.Percentage), roundPercent(e.Percentage))
			if e.Remaining > 0 {
				fmt.Fprintf(&b, "   -> %d requests remaining, resets %s\n", e.Remaining, formatResetIn(e.ResetIn))
			} else {
				fmt.Fprintf(&b, "   -> limit reached, resets %s\n", formatResetIn(e.ResetIn))
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(stylize(strings.Repeat("-", 60), noColor, mutedColor))
	b.WriteString("\n")
	b.WriteString(bold("Summary", noColor))
	b.WriteString("\n")
	fmt.Fprintf(&b, "   Tracked: %d\n", r.TotalEntries)
	fmt.Fprintf(&b, "   Overall usage: %d/%d (%d%%)\n", r.TotalUsed, r.TotalCapacity, roundPercent(r.Percentage))
	if r.OldestWindowStart != nil && r.NewestWindowStart != nil {
		fmt.Fprintf(&b, "   Windows opened: %s to %s\n",
			r.OldestWindowStart.Local().Format(time.TimeOnly), r.NewestWindowStart.Local().Format(time.TimeOnly))
	}
	return b.String()
}

func progressBar(percentage float64) string {
	filled := int(math.Round(math.Min(percentage, 100) / 100 * barWidth))
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

func roundPercent(p float64) int {
	return int(math.Round(p))
}

// formatResetIn renders the time until a window resets, rounded up to whole seconds.
func formatResetIn(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	return "in " + (time.Duration(math.Ceil(d.Seconds())) * time.Second).String()
}

func bold(text string, noColor bool) string {
	if noColor {
		return text
	}
	return titleStyle.Render(text)
}

// stylize applies optional color styling.
func stylize(text string, noColor bool, color lipgloss.Color) string {
	if noColor {
		return text
	}
	return lipgloss.NewStyle().Foreground(color).Render(text)
}
