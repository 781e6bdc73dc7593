package dispatch

import "github.com/standardbeagle/nit/internal/metadata"

// DefaultArgvCap is the joined-argv length budget for a one-shot batch.
// Batches whose expanded file arguments would exceed it are split into
// multiple equivalent one-shot invocations.
const DefaultArgvCap = 100_000

// guestPathOverhead approximates the per-file argv cost beyond the relative
// path itself: the sandbox mount prefix plus the joining space.
const guestPathOverhead = len("/repo/") + 1

// buildBatches partitions a linter's matched files according to its mode.
// An empty file list yields no batches in every mode.
func buildBatches(mode metadata.Mode, files []string, argvCap int) [][]string {
	if len(files) == 0 {
		return nil
	}
	if argvCap <= 0 {
		argvCap = DefaultArgvCap
	}

	switch mode {
	case metadata.ModePerFile:
		batches := make([][]string, len(files))
		for i, f := range files {
			batches[i] = []string{f}
		}
		return batches
	default:
		// one-shot, and stdin-stream which currently shares its semantics
		return splitByArgvLength(files, argvCap)
	}
}

// splitByArgvLength greedily packs files into batches whose joined argv
// stays under the cap. A single oversized path still gets its own batch;
// the command line is the sandbox's problem at that point.
func splitByArgvLength(files []string, argvCap int) [][]string {
	var batches [][]string
	var current []string
	length := 0

	for _, f := range files {
		cost := len(f) + guestPathOverhead
		if len(current) > 0 && length+cost > argvCap {
			batches = append(batches, current)
			current = nil
			length = 0
		}
		current = append(current, f)
		length += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
