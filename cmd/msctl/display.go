package main

import (
	"github.com/charmbracelet/x/ansi"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"
)

// truncateLabel shortens s to fit within width display columns, honoring
// multi-byte grapheme clusters (an artist or album name is as likely to
// contain combining marks or wide CJK characters as plain ASCII) rather
// than cutting mid-rune.
func truncateLabel(s string, width int) string {
	if uniseg.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// displayWidth measures s the way the terminal will render it: ANSI
// escape sequences (color codes from severityColor below) don't consume
// columns, so they're stripped before measuring.
func displayWidth(s string) int {
	return runewidth.StringWidth(ansi.Strip(s))
}

// severityColor interpolates from healthy green to alarm red as ratio
// goes from 0 to 1, used to color a component's dead-letter-queue
// indicator so a glance at the panel says how worried to be.
func severityColor(ratio float64) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	healthy, _ := colorful.Hex("#3DD68C")
	alarm, _ := colorful.Hex("#E5484D")
	return healthy.BlendLuv(alarm, ratio).Hex()
}
