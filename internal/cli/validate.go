package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <protocol-file>...",
	Short: "Check protocol files without touching any device",
	Long: `Check protocol files (.yaml, .yml or .json) and print every issue found.
Exits non-zero if any file is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

var errInvalidProtocol = errors.New("invalid protocol")

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	invalid := 0

	for _, path := range args {
		format, err := protocol.FormatFromPath(path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read protocol: %w", err)
		}

		rep, p, err := protocol.Check(data, format)
		if err != nil && len(rep.Errors) == 0 {
			return err
		}
		if !rep.Valid {
			invalid++
			fmt.Fprintf(out, "%s: %d issue(s)\n", path, len(rep.Errors))
			for _, issue := range rep.Errors {
				fmt.Fprintf(out, "  %s\n", issue)
			}
			continue
		}
		fmt.Fprintf(out, "%s: ok, %q with %d steps\n", path, p.Name(), p.Len())
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d files", errInvalidProtocol, invalid, len(args))
	}
	return nil
}
