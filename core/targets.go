package core

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// ReadingLines returns the non-empty lines of filename, nil when it cannot
// be read.
func ReadingLines(filename string) []string {
	f, err := os.Open(filename)
	if err != nil {
		return nil
	}
	defer f.Close()
	return readLines(f)
}

func readLines(r io.Reader) []string {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// GatherTargets merges the single site, the site list file and piped
// stdin. stdin may be nil.
func GatherTargets(site, sitesFile string, stdin *os.File) []string {
	var targets []string
	if site != "" {
		targets = append(targets, site)
	}
	if sitesFile != "" {
		targets = append(targets, ReadingLines(sitesFile)...)
	}
	if stdin != nil {
		if stat, err := stdin.Stat(); err == nil && stat.Mode()&os.ModeCharDevice == 0 {
			targets = append(targets, readLines(stdin)...)
		}
	}
	return targets
}
