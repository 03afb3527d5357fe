package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehr/imaging/internal/platform/dicom"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Parse DICOM files offline and print their metadata as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectFiles(cmd.OutOrStdout(), args)
		},
	}
}

type inspection struct {
	File     string             `json:"file"`
	Metadata *dicom.ParsedImage `json:"metadata,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// inspectFiles writes one entry per path. Unreadable or undecodable files
// are reported inline and do not stop the run.
func inspectFiles(w io.Writer, paths []string) error {
	out := make([]inspection, 0, len(paths))
	for _, path := range paths {
		entry := inspection{File: path}
		data, err := os.ReadFile(path)
		switch {
		case err != nil:
			entry.Error = err.Error()
		case !dicom.IsDICOMFileName(filepath.Base(path)):
			entry.Error = "unsupported file extension"
		default:
			if p, err := dicom.Parse(data); err != nil {
				entry.Error = err.Error()
			} else {
				entry.Metadata = p
			}
		}
		out = append(out, entry)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render FILE",
		Short: "Render a DICOM file to PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			invert, _ := cmd.Flags().GetBool("invert")
			size, _ := cmd.Flags().GetInt("size")
			if output == "" {
				output = args[0] + ".png"
			}
			if err := renderFile(args[0], output, invert, size); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output PNG path (defaults to FILE.png)")
	cmd.Flags().Bool("invert", false, "Invert the rendered greyscale")
	cmd.Flags().Int("size", 0, "Scale so the longest edge is at most this many pixels")
	return cmd
}

func renderFile(input, output string, invert bool, size int) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	parsed, err := dicom.Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", input, err)
	}
	img, err := dicom.Render(parsed.Pixels, dicom.RenderOptions{Invert: invert})
	if err != nil {
		return fmt.Errorf("render %s: %w", input, err)
	}
	if size > 0 {
		img = img.Thumbnail(size)
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := img.EncodePNG(f); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", output, err)
	}
	return f.Close()
}
