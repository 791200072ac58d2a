package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/reframe/internal/harness"
)

// FileValidation is the validation outcome of one scenario file.
type FileValidation struct {
	File  string `json:"file"`
	Name  string `json:"name,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario>...",
		Short: "Validate scenario files without running them",
		Long: `Validate scenario files without running them.

Checks YAML structure (unknown fields are errors), handler and step
declarations, the store configuration, and, when a CUE schema is
configured, that the schema compiles and accepts the initial state.

Exit codes:
  0 - All scenarios valid
  1 - One or more scenarios invalid
  2 - Command error (file not found)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}

	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		fv, err := validateFile(file)
		if errors.Is(err, fs.ErrNotExist) {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "scenario not found", err)
		}
		result.Files = append(result.Files, fv)
		if !fv.Valid {
			result.Valid = false
		}
	}

	if formatter.JSON() {
		if result.Valid {
			if err := formatter.Success(result); err != nil {
				return err
			}
			return nil
		}
		if err := formatter.Error(ErrCodeLoadFailed, "invalid scenarios", result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, fv := range result.Files {
			if fv.Valid {
				fmt.Fprintf(w, "✓ %s (%s)\n", fv.File, fv.Name)
				continue
			}
			fmt.Fprintf(w, "✗ %s\n", fv.File)
			fmt.Fprintf(w, "  %s\n", fv.Error)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

// validateFile loads a scenario and checks its store options. Only a
// missing file is returned as an error.
func validateFile(file string) (FileValidation, error) {
	fv := FileValidation{File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fv, err
		}
		fv.Error = err.Error()
		return fv, nil
	}
	fv.Name = scenario.Name

	if _, err := scenario.Config.Options(); err != nil {
		fv.Error = fmt.Sprintf("config: %v", err)
		return fv, nil
	}
	fv.Valid = true
	return fv, nil
}
