// Package cmd implements the moe command line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mixstack/moe/convert"
	"github.com/mixstack/moe/envconfig"
	"github.com/mixstack/moe/format"
	"github.com/mixstack/moe/logutil"
	"github.com/mixstack/moe/ml"
	"github.com/mixstack/moe/moe"
	"github.com/mixstack/moe/version"
)

func NewCLI() *cobra.Command {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	rootCmd := &cobra.Command{
		Use:     "moe",
		Short:   "Mixture-of-experts feed-forward blocks",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Forward a batch of tokens through a block and report expert load",
		Args:  cobra.ExactArgs(0),
		RunE:  RunHandler,
	}
	runCmd.Flags().Int("d-model", 64, "Model width")
	runCmd.Flags().Int("d-hidden", 256, "Expert hidden width")
	runCmd.Flags().Int("experts", 8, "Number of experts")
	runCmd.Flags().Int("top-k", 2, "Experts used per token")
	runCmd.Flags().Int("batch", 1, "Batch size")
	runCmd.Flags().Int("seq", 128, "Sequence length")
	runCmd.Flags().String("norm", "none", "Layer norm placement (none, pre, post)")
	runCmd.Flags().String("score", "softmax", "Gate score function (softmax, sigmoid)")
	runCmd.Flags().Bool("norm-topk", false, "Renormalize the selected expert weights per token")
	runCmd.Flags().Bool("shared", false, "Add an always-on shared expert")
	runCmd.Flags().Uint64("seed", 0, "Weight initialization seed")
	runCmd.Flags().String("checkpoint", "", "Directory to load block weights from")

	inspectCmd := &cobra.Command{
		Use:   "inspect DIR",
		Short: "List the tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	rootCmd.AddCommand(runCmd, inspectCmd)
	return rootCmd
}

func RunHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	batch, err := cmd.Flags().GetInt("batch")
	if err != nil {
		return err
	}
	seq, err := cmd.Flags().GetInt("seq")
	if err != nil {
		return err
	}
	if batch <= 0 || seq <= 0 {
		return fmt.Errorf("invalid batch %d x seq %d", batch, seq)
	}
	tokens := batch * seq

	checkpoint, err := cmd.Flags().GetString("checkpoint")
	if err != nil {
		return err
	}

	block, err := moe.NewTransformerMLP(cfg)
	if err != nil {
		return err
	}

	if checkpoint != "" {
		ts, err := convert.Load(checkpoint)
		if err != nil {
			return err
		}
		if err := block.ApplyTensors(ts); err != nil {
			return err
		}
		slog.Info("loaded checkpoint", "dir", checkpoint, "tensors", len(ts))
	}

	r := rand.New(rand.NewPCG(cfg.Seed, ^cfg.Seed))
	input := ml.Rand(r, 1, batch, seq, cfg.DModel)

	start := time.Now()
	_, stats := block.ForwardStats(input)
	elapsed := time.Since(start)

	fmt.Printf("parameters: %s\n", format.HumanNumber(block.NumParameters()))
	fmt.Printf("forward:    %d tokens in %s (%s tokens/s)\n",
		tokens, elapsed.Round(time.Microsecond),
		format.HumanNumber(uint64(float64(tokens)/elapsed.Seconds())))
	fmt.Println()

	printExpertLoad(stats, tokens*block.TopK())
	return nil
}

func configFromFlags(cmd *cobra.Command) (moe.Config, error) {
	var cfg moe.Config
	var err error

	if cfg.DModel, err = cmd.Flags().GetInt("d-model"); err != nil {
		return cfg, err
	}
	if cfg.DHidden, err = cmd.Flags().GetInt("d-hidden"); err != nil {
		return cfg, err
	}
	if cfg.NumExperts, err = cmd.Flags().GetInt("experts"); err != nil {
		return cfg, err
	}
	if cfg.TopK, err = cmd.Flags().GetInt("top-k"); err != nil {
		return cfg, err
	}
	if cfg.NormTopKWeights, err = cmd.Flags().GetBool("norm-topk"); err != nil {
		return cfg, err
	}
	if cfg.SharedExpert, err = cmd.Flags().GetBool("shared"); err != nil {
		return cfg, err
	}
	if cfg.Seed, err = cmd.Flags().GetUint64("seed"); err != nil {
		return cfg, err
	}

	norm, err := cmd.Flags().GetString("norm")
	if err != nil {
		return cfg, err
	}
	if cfg.Norm, err = parseNorm(norm); err != nil {
		return cfg, err
	}

	score, err := cmd.Flags().GetString("score")
	if err != nil {
		return cfg, err
	}
	if cfg.ScoreFunc, err = parseScore(score); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func parseNorm(s string) (moe.NormPlacement, error) {
	switch s {
	case "none":
		return moe.NormNone, nil
	case "pre":
		return moe.NormPre, nil
	case "post":
		return moe.NormPost, nil
	}
	return moe.NormNone, fmt.Errorf("invalid norm placement %q (want none, pre or post)", s)
}

func parseScore(s string) (moe.ScoreFunc, error) {
	switch s {
	case "softmax":
		return moe.ScoreSoftmax, nil
	case "sigmoid":
		return moe.ScoreSigmoid, nil
	}
	return moe.ScoreSoftmax, fmt.Errorf("invalid score function %q (want softmax or sigmoid)", s)
}

func printExpertLoad(stats moe.Stats, assignments int) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"EXPERT", "TOKENS", "SHARE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for e, n := range stats.TokensPerExpert {
		table.Append([]string{
			strconv.Itoa(e),
			strconv.Itoa(n),
			fmt.Sprintf("%.1f%%", 100*float64(n)/float64(assignments)),
		})
	}
	table.Render()
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	ts, err := convert.Parse(args[0])
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "ELEMENTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	var total uint64
	for _, t := range ts {
		var numel uint64 = 1
		for _, d := range t.Shape() {
			numel *= d
		}
		total += numel

		table.Append([]string{
			t.Name(),
			t.Kind(),
			fmt.Sprint(t.Shape()),
			format.HumanNumber(numel),
		})
	}
	table.Render()

	fmt.Printf("\ntotal: %d tensors, %s parameters (%s as float32)\n",
		len(ts), format.HumanNumber(total), format.HumanBytes(total*4))
	return nil
}
