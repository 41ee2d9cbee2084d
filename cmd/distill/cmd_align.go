package main

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/transformer_distill/pkg/distill"
)

func newAlignCmd(stdout io.Writer) *cobra.Command {
	var teacherEnc, teacherDec, studentEnc, studentDec int
	cmd := &cobra.Command{
		Use:   "align",
		Short: "Show which teacher layer each student layer is distilled from",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			enc, err := distill.AlignStack(distill.Encoder, teacherEnc, studentEnc)
			if err != nil {
				return err
			}
			dec, err := distill.AlignStack(distill.Decoder, teacherDec, studentDec)
			if err != nil {
				return err
			}
			renderAlignment(stdout, enc, dec)
			return nil
		},
	}
	cmd.Flags().IntVar(&teacherEnc, "teacher-encoder", 6, "Teacher encoder layers")
	cmd.Flags().IntVar(&teacherDec, "teacher-decoder", 6, "Teacher decoder layers")
	cmd.Flags().IntVar(&studentEnc, "student-encoder", 2, "Student encoder layers")
	cmd.Flags().IntVar(&studentDec, "student-decoder", 2, "Student decoder layers")
	return cmd
}

func renderAlignment(w io.Writer, stacks ...distill.StackAlignment) {
	var rows [][]string
	for _, a := range stacks {
		ratio := strconv.Itoa(a.Ratio)
		for _, p := range a.AttentionPairs() {
			rows = append(rows, []string{string(a.Stack), ratio, "attention", strconv.Itoa(p.Student), strconv.Itoa(p.Teacher)})
		}
		for _, p := range a.HiddenPairs() {
			rows = append(rows, []string{string(a.Stack), ratio, "hidden", strconv.Itoa(p.Student), strconv.Itoa(p.Teacher)})
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STACK", "RATIO", "OUTPUT", "STUDENT", "TEACHER"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}
