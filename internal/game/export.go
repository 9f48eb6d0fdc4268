package game

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExportSession appends a readable transcript of a completed session to filename.
func ExportSession(snap Snapshot, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fileExists := false
	if _, err := os.Stat(filename); err == nil {
		fileExists = true
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	if fileExists {
		sb.WriteString("\n\n")
	}
	sb.WriteString(fmt.Sprintf("MoltPit Match %s (%s)\n", snap.ID, snap.Kind))
	if snap.StartedAt != nil {
		sb.WriteString(fmt.Sprintf("Started: %s\n", snap.StartedAt.Format("2006-01-02 15:04:05")))
	}
	sb.WriteString(fmt.Sprintf("Time control: %s + %s\n",
		time.Duration(snap.TimeControl.InitialMs)*time.Millisecond,
		time.Duration(snap.TimeControl.IncrementMs)*time.Millisecond))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	sb.WriteString("Participants:\n")
	for i, p := range snap.Participants {
		sb.WriteString(fmt.Sprintf("- seat %d: %s (%s, %d)\n", i, p.Name, p.ID, p.Rating))
	}
	sb.WriteString("\n")

	if len(snap.Moves) > 0 {
		sb.WriteString("Moves:\n")
		sb.WriteString(strings.Repeat("-", 40) + "\n")
		for i, mv := range snap.Moves {
			notation := mv.Notation
			if notation == "" {
				notation = string(mv.Move)
			}
			line := fmt.Sprintf("%3d. seat %d %-8s %6.1fs", i+1, mv.Seat, notation, float64(mv.ElapsedMs)/1000)
			if mv.TrashTalk != "" {
				line += fmt.Sprintf("  \"%s\"", mv.TrashTalk)
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("\n")
	}

	if snap.Result != nil {
		winner := snap.Result.Winner
		for _, p := range snap.Participants {
			if p.ID == winner && p.Name != "" {
				winner = p.Name
			}
		}
		sb.WriteString(fmt.Sprintf("Result: %s (%s)", winner, snap.Result.Reason))
		if snap.Result.Detail != "" {
			sb.WriteString(fmt.Sprintf(" - %s", snap.Result.Detail))
		}
		sb.WriteString("\n")
	}
	if snap.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("Game ended at %s\n", snap.CompletedAt.Format("2006-01-02 15:04:05")))
		sb.WriteString(strings.Repeat("=", 50) + "\n")
	}

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}
