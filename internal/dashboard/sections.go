// Package dashboard derives the desired status document from the latest poll
// and reconciles it onto the remote page.
package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oselab/gpumon/internal/models"
)

// headerMarker identifies the dashboard's header block. Matching is by
// substring over rendered content, so this string must stay stable.
const headerMarker = "GPU Monitor Status"

const timeLayout = "2006-01-02 15:04:05"

// noProcessesLine is the fixed literal used when a device has no active
// compute processes.
const noProcessesLine = "  No active processes"

// Section is the desired content block for one device.
type Section struct {
	DeviceID int
	Content  string
}

// Document is the desired structure of the remote page: one header plus one
// section per device, ascending by device id.
type Document struct {
	HeaderText string
	Sections   []Section
}

// sectionMarker is the fixed substring that identifies a device's content
// block during reconciliation.
func sectionMarker(deviceID int) string {
	return fmt.Sprintf("GPU %d:", deviceID)
}

// BuildSections is a pure function from the current poll to the desired
// document. Deterministic aside from the embedded timestamp text.
func BuildSections(devices []models.DeviceFact, procs []models.ProcessFact, now time.Time) Document {
	byDevice := make(map[int][]models.ProcessFact)
	for _, p := range procs {
		byDevice[p.DeviceID] = append(byDevice[p.DeviceID], p)
	}

	sorted := make([]models.DeviceFact, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	doc := Document{
		HeaderText: fmt.Sprintf("%s - Updated: %s", headerMarker, now.Format(timeLayout)),
		Sections:   make([]Section, 0, len(sorted)),
	}

	for _, dev := range sorted {
		doc.Sections = append(doc.Sections, Section{
			DeviceID: dev.ID,
			Content:  renderSection(dev, byDevice[dev.ID]),
		})
	}
	return doc
}

func renderSection(dev models.DeviceFact, procs []models.ProcessFact) string {
	var memPct float64
	if dev.MemoryTotalMB > 0 {
		memPct = float64(dev.MemoryUsedMB) / float64(dev.MemoryTotalMB) * 100
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", sectionMarker(dev.ID), dev.Name)
	b.WriteString("-----------------------------------------\n")
	fmt.Fprintf(&b, "Utilization: %.1f%%\n", dev.Utilization)
	fmt.Fprintf(&b, "Memory: %d MB / %d MB (%.1f%%)\n", dev.MemoryUsedMB, dev.MemoryTotalMB, memPct)
	fmt.Fprintf(&b, "Temperature: %.0f°C\n", dev.Temperature)
	b.WriteString("\nRunning Processes:")

	if len(procs) == 0 {
		b.WriteString("\n" + noProcessesLine)
		return b.String()
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	for _, p := range procs {
		fmt.Fprintf(&b, "\n  PID %d - %s - %d MB", p.PID, p.Owner, p.MemoryUsedMB)
	}
	return b.String()
}
