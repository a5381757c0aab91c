package main

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/shell/docker"
	"github.com/artpar/dockpilot/internal/shell/workers"
)

// =============================================================================
// Tables
// =============================================================================

func renderHistory(w io.Writer, attempts []domain.Attempt) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCONTAINER\tIMAGE\tOUTCOME\tSTARTED\tDURATION")
	for _, a := range attempts {
		outcome := string(a.Outcome)
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID,
			a.Strategy,
			a.Spec.ContainerName,
			a.Spec.ImageTag,
			outcome,
			a.StartedAt.Local().Format("2006-01-02 15:04:05"),
			a.Duration().Round(time.Second),
		)
	}
	return tw.Flush()
}

func renderContainers(w io.Writer, containers []docker.ContainerInfo, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tIMAGE\tSTATUS\tPORTS\tCREATED")
	for _, c := range containers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
			c.Name,
			shortID(c.ID),
			c.Image,
			c.Status,
			formatPorts(c.PortMapping()),
			workers.FormatUptime(now.Sub(c.CreatedAt)),
		)
	}
	return tw.Flush()
}

// formatPorts renders {"80": "8080"} as "8080->80", ordered by host port.
func formatPorts(mapping map[string]string) string {
	if len(mapping) == 0 {
		return "-"
	}
	containerPorts := make([]string, 0, len(mapping))
	for p := range mapping {
		containerPorts = append(containerPorts, p)
	}
	sort.Slice(containerPorts, func(i, j int) bool {
		hi, _ := strconv.Atoi(mapping[containerPorts[i]])
		hj, _ := strconv.Atoi(mapping[containerPorts[j]])
		return hi < hj
	})

	parts := make([]string, 0, len(containerPorts))
	for _, p := range containerPorts {
		parts = append(parts, mapping[p]+"->"+p)
	}
	return strings.Join(parts, ", ")
}

func sortContainers(containers []docker.ContainerInfo) {
	slices.SortFunc(containers, func(a, b docker.ContainerInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
