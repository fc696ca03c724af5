package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/coldbell/nftmarket/backend/internal/config"
	"github.com/coldbell/nftmarket/backend/internal/logging"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

var validOutputs = []string{"text", "json"}

// RootOptions holds flags and settings shared by every command.
type RootOptions struct {
	Output    string
	ProgramID string

	cfg       config.CLIConfig
	programID solana.PublicKey
	logger    *slog.Logger
	closeLog  func() error
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "marketctl",
		Short:         "Operate the NFT marketplace program and its mirror database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closeLog != nil {
				return opts.closeLog()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "", "output format (text|json), defaults to MARKETCTL_OUTPUT")
	cmd.PersistentFlags().StringVar(&opts.ProgramID, "program-id", "", "marketplace program id, defaults to MARKETPLACE_PROGRAM_ID")

	cmd.AddCommand(newPDACommand(opts))
	cmd.AddCommand(newIxCommand(opts))
	cmd.AddCommand(newCursorCommand(opts))
	cmd.AddCommand(newGapsCommand(opts))
	cmd.AddCommand(newBackfillCommand(opts))
	cmd.AddCommand(newListingsCommand(opts))
	cmd.AddCommand(newActivitiesCommand(opts))
	cmd.AddCommand(newTxCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.LoadCLIConfig()
	if err != nil {
		return err
	}
	o.cfg = cfg

	if o.Output == "" {
		o.Output = cfg.Output
	}
	if !isValidOutput(o.Output) {
		return fmt.Errorf("invalid output %q: must be one of %v", o.Output, validOutputs)
	}

	o.programID = cfg.ProgramID
	if o.ProgramID != "" {
		o.programID, err = solana.PublicKeyFromBase58(o.ProgramID)
		if err != nil {
			return fmt.Errorf("invalid --program-id: %w", err)
		}
	}

	logger, closeLog, err := logging.New("marketctl", cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	o.logger = logger
	o.closeLog = closeLog
	return nil
}

// programIDOr returns the --program-id override when given, otherwise
// fallback.
func (o *RootOptions) programIDOr(fallback solana.PublicKey) solana.PublicKey {
	if o.ProgramID != "" {
		return o.programID
	}
	return fallback
}

// print writes value as indented JSON or through text.
func (o *RootOptions) print(cmd *cobra.Command, value any, text func(w io.Writer)) error {
	if o.Output == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	}
	text(cmd.OutOrStdout())
	return nil
}

func isValidOutput(output string) bool {
	for _, valid := range validOutputs {
		if valid == output {
			return true
		}
	}
	return false
}

func parsePubkeyFlag(name, value string) (solana.PublicKey, error) {
	if value == "" {
		return solana.PublicKey{}, fmt.Errorf("--%s is required", name)
	}
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return key, nil
}
