package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/foreman/internal/config"
)

// ErrConfigDiffers is returned by `config diff` when the two configurations differ.
var ErrConfigDiffers = errors.New("configuration differs")

// RunConfigDiff compares the effective configuration of fileA against fileB,
// or against the built-in defaults when fileB is empty. Both sides are
// rendered with defaults applied, so only meaningful differences show.
func RunConfigDiff(fileA, fileB string, w io.Writer) error {
	a, err := config.LoadFile(fileA)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", fileA, err)
	}
	b, nameB := config.Default(), "defaults"
	if fileB != "" {
		if b, err = config.LoadFile(fileB); err != nil {
			return fmt.Errorf("failed to load %s: %w", fileB, err)
		}
		nameB = fileB
	}
	return diffConfigs(a, b, fileA, nameB, w)
}

func diffConfigs(a, b *config.Config, nameA, nameB string, w io.Writer) error {
	textA := string(config.RenderHCL(a))
	textB := string(config.RenderHCL(b))
	if textA == textB {
		Printer.Fprintln(w, "No changes detected.")
		return nil
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(textB),
		B:        difflib.SplitLines(textA),
		FromFile: nameB,
		ToFile:   nameA,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return err
	}
	fmt.Fprint(w, text)
	return ErrConfigDiffers
}
