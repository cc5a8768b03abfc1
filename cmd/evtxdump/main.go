// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/saferwall/evtx"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitRecordError = 1
	exitBadArgs     = 2
	exitUnreadable  = 3
	exitFatalParse  = 4
)

var (
	outputFormat   string
	threads        int
	indent         bool
	noIndent       bool
	noRecordNumber bool
	ansiCodepage   string
	skipBadChunks  bool
	skipBadRecords bool
	outputPath     string
	withMetadata   bool
	separateAttrs  bool
	skipEmptyFrags bool
	verbose        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evtxdump [flags] FILE...",
		Short: "Dump Windows XML event log (EVTX) files as XML or JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
		// Errors and usage are printed by run with the right exit code.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&outputFormat, "output-format", "o", "xml",
		"output format: xml, json or jsonl")
	flags.IntVarP(&threads, "threads", "t", 0,
		"worker threads, 0 means one per CPU")
	flags.BoolVar(&indent, "indent", true, "indent rendered output")
	flags.BoolVar(&noIndent, "no-indent", false,
		"single line per record")
	flags.BoolVar(&noRecordNumber, "dont-show-record-number", false,
		"omit the Record <id> separator in XML output")
	flags.StringVar(&ansiCodepage, "ansi-codepage", "windows-1252",
		"codepage for ANSI string values")
	flags.BoolVar(&skipBadChunks, "skip-bad-chunks", false,
		"continue past chunks that fail validation")
	flags.BoolVar(&skipBadRecords, "skip-bad-records", false,
		"continue past records that fail to parse")
	flags.StringVar(&outputPath, "output", "",
		"write output to a file instead of stdout")
	flags.BoolVar(&withMetadata, "metadata", false,
		"include record metadata in JSON output")
	flags.BoolVar(&separateAttrs, "separate-json-attributes", false,
		"flatten attributes to sibling _attributes keys")
	flags.BoolVar(&skipEmptyFrags, "skip-empty-fragments", false,
		"drop empty elements from JSON output")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBadArgs)
	}
}

func buildOptions(logger zerolog.Logger) (*evtx.Options, error) {
	opts := evtx.Options{
		NumThreads:             threads,
		ANSICodepage:           ansiCodepage,
		IncludeRecordMetadata:  withMetadata,
		SeparateJSONAttributes: separateAttrs,
		SkipEmptyFragments:     skipEmptyFrags,
		Indent:                 indent && !noIndent,
		Logger:                 &logger,
	}

	switch outputFormat {
	case "xml":
		opts.Format = evtx.FormatXML
	case "json":
		opts.Format = evtx.FormatJSON
	case "jsonl":
		opts.Format = evtx.FormatJSONL
	default:
		return nil, fmt.Errorf("unknown output format %q", outputFormat)
	}

	switch {
	case skipBadRecords:
		opts.RecoveryMode = evtx.RecoverySkipBadRecords
	case skipBadChunks:
		opts.RecoveryMode = evtx.RecoverySkipBadChunks
	default:
		opts.RecoveryMode = evtx.RecoveryStrict
	}

	return &opts, nil
}

func run(cmd *cobra.Command, args []string) error {
	level := zerolog.ErrorLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	opts, err := buildOptions(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBadArgs)
	}

	var sink io.Writer = os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUnreadable)
		}
		defer f.Close()
		sink = f
	}
	w := bufio.NewWriter(sink)
	defer w.Flush()

	exit := exitSuccess
	for _, path := range args {
		code := dumpFile(path, opts, w, logger)
		if code > exit {
			exit = code
		}
	}

	w.Flush()
	if exit != exitSuccess {
		os.Exit(exit)
	}
	return nil
}

func dumpFile(path string, opts *evtx.Options, w *bufio.Writer,
	logger zerolog.Logger) int {

	logger.Debug().Str("path", path).Msg("processing file")

	f, err := evtx.New(path, opts)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("open failed")
		return exitUnreadable
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("header invalid")
		return exitFatalParse
	}

	exit := exitSuccess
	for item := range f.Records(context.Background()) {
		if item.Err != nil {
			writeErrorItem(w, opts, item)
			if opts.RecoveryMode == evtx.RecoveryStrict {
				return exitFatalParse
			}
			exit = exitRecordError
			continue
		}

		if opts.Format == evtx.FormatXML && !noRecordNumber {
			fmt.Fprintf(w, "Record %d\n", item.EventRecordID)
		}
		w.Write(item.Output)
		w.WriteByte('\n')
	}
	return exit
}

// writeErrorItem renders a diagnostic item into the output stream in the
// active format, carrying the record id when known.
func writeErrorItem(w *bufio.Writer, opts *evtx.Options,
	item evtx.RecordResult) {

	switch opts.Format {
	case evtx.FormatXML:
		fmt.Fprintf(w, "<Error EventRecordID=\"%d\">%s</Error>\n",
			item.EventRecordID, item.Err)
	default:
		fmt.Fprintf(w,
			"{\"#error\":{\"EventRecordID\":%d,\"Message\":%q}}\n",
			item.EventRecordID, item.Err.Error())
	}
}
