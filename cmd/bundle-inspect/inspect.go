// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bundlestore/lib/bundle"
	"github.com/bureau-foundation/bundlestore/lib/config"
	"github.com/bureau-foundation/bundlestore/lib/storage"
	"github.com/bureau-foundation/bundlestore/lib/version"
)

func rootCommand(stdout io.Writer) *command {
	return &command{
		name:        "bundle-inspect",
		summary:     "Decode encoded bundle files",
		description: "bundle-inspect decodes bundle files written by a bundle store backend.",
		subcommands: []*command{
			signatureCommand(stdout),
			packetsCommand(stdout),
			refsCommand(stdout),
			versionCommand(stdout),
		},
	}
}

// commonParams are flags shared by every subcommand.
type commonParams struct {
	json       bool
	configPath string
}

func (p *commonParams) register(flagSet *pflag.FlagSet) {
	flagSet.BoolVar(&p.json, "json", false, "output as JSON")
	flagSet.StringVar(&p.configPath, "config", "", "configuration file (default $BUNDLESTORE_CONFIG)")
}

func (p *commonParams) load() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if p.configPath != "" {
		cfg, err = config.LoadFile(p.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newFlagSet(name string, params *commonParams) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	params.register(flagSet)
	return flagSet
}

func readBundleFile(args []string) (string, []byte, error) {
	if len(args) != 1 {
		return "", nil, fmt.Errorf("expected one bundle file, got %d arguments", len(args))
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", nil, fmt.Errorf("reading bundle: %w", err)
	}
	return args[0], data, nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func signatureCommand(stdout io.Writer) *command {
	var params commonParams
	return &command{
		name:    "signature",
		summary: "Print the bundle signature",
		usage:   "bundle-inspect signature [flags] <file>",
		flags:   func() *pflag.FlagSet { return newFlagSet("signature", &params) },
		run: func(args []string) error {
			path, data, err := readBundleFile(args)
			if err != nil {
				return err
			}
			signature, err := bundle.ReadSignature(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if params.json {
				return writeJSON(stdout, map[string]any{
					"version": signature.Version.String(),
					"length":  signature.Length,
					"size":    len(data),
				})
			}
			fmt.Fprintf(stdout, "version:  %s\n", signature.Version)
			fmt.Fprintf(stdout, "length:   %d\n", signature.Length)
			fmt.Fprintf(stdout, "size:     %s\n", humanize.IBytes(uint64(len(data))))
			return nil
		},
	}
}

func versionCommand(stdout io.Writer) *command {
	return &command{
		name:    "version",
		summary: "Print build and bundle format versions",
		run: func(args []string) error {
			fmt.Fprintln(stdout, version.Current().Full())
			fmt.Fprintf(stdout, "  Bundle formats: %s-%s\n", bundle.VersionV1, bundle.Latest)
			return nil
		},
	}
}

type packetView struct {
	Offset        int          `json:"offset"`
	EncodedLength int          `json:"encoded_length"`
	DecodedLength int          `json:"decoded_length"`
	Compression   string       `json:"compression"`
	Exports       []exportView `json:"exports"`
}

type exportView struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Hash    string `json:"hash"`
	Length  int    `json:"length"`
	Imports int    `json:"imports"`
}

func packetsCommand(stdout io.Writer) *command {
	var (
		params  commonParams
		exports bool
	)
	return &command{
		name:    "packets",
		summary: "List packets and exports",
		usage:   "bundle-inspect packets [flags] <file>",
		examples: []example{
			{description: "Show every export of a bundle", command: "bundle-inspect packets --exports bundle.blob"},
		},
		flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("packets", &params)
			flagSet.BoolVar(&exports, "exports", false, "list the exports of each packet")
			return flagSet
		},
		run: func(args []string) error {
			path, data, err := readBundleFile(args)
			if err != nil {
				return err
			}
			summary, err := bundle.Inspect(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			packets := make([]packetView, len(summary.Packets))
			for i, packet := range summary.Packets {
				view := packetView{
					Offset:        packet.Offset,
					EncodedLength: packet.EncodedLength,
					DecodedLength: packet.DecodedLength,
					Compression:   packet.Compression.String(),
					Exports:       make([]exportView, len(packet.Exports)),
				}
				for j, export := range packet.Exports {
					view.Exports[j] = exportView{
						Index:   export.Index,
						Type:    export.Type.String(),
						Hash:    export.Hash.String(),
						Length:  export.Length,
						Imports: export.Imports,
					}
				}
				packets[i] = view
			}
			if params.json {
				imports := make([]string, len(summary.Imports))
				for i, imported := range summary.Imports {
					imports[i] = imported.String()
				}
				return writeJSON(stdout, map[string]any{
					"version": summary.Version.String(),
					"size":    summary.Size,
					"packets": packets,
					"imports": imports,
				})
			}

			fmt.Fprintf(stdout, "%s: %s, %s, %d packets, %d imported bundles\n",
				path, summary.Version, humanize.IBytes(uint64(summary.Size)), len(packets), len(summary.Imports))
			tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "OFFSET\tENCODED\tDECODED\tCOMPRESSION\tEXPORTS")
			for _, packet := range packets {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", packet.Offset,
					humanize.IBytes(uint64(packet.EncodedLength)), humanize.IBytes(uint64(packet.DecodedLength)),
					packet.Compression, len(packet.Exports))
				if !exports {
					continue
				}
				for _, export := range packet.Exports {
					fmt.Fprintf(tw, "  #%d\t%s\t%s\t%s\t%d imports\n", export.Index,
						humanize.IBytes(uint64(export.Length)), export.Type, export.Hash[:16], export.Imports)
				}
			}
			return tw.Flush()
		},
	}
}

func refsCommand(stdout io.Writer) *command {
	var params commonParams
	return &command{
		name:        "refs",
		summary:     "List the bundles a bundle references",
		description: "refs reads the bundle the way garbage collection does, from a bounded prefix, and lists the base locators it imports.",
		usage:       "bundle-inspect refs [flags] <file>",
		flags:       func() *pflag.FlagSet { return newFlagSet("refs", &params) },
		run: func(args []string) error {
			cfg, logger, err := params.load()
			if err != nil {
				return err
			}
			path, data, err := readBundleFile(args)
			if err != nil {
				return err
			}
			references, stats, err := bundleReferences(context.Background(), cfg, logger, data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			logger.Debug("read bundle references", "path", path, "stats", stats)

			names := make([]string, len(references))
			for i, reference := range references {
				names[i] = reference.String()
			}
			if params.json {
				return writeJSON(stdout, names)
			}
			for _, name := range names {
				fmt.Fprintln(stdout, name)
			}
			return nil
		},
	}
}

// bundleReferences stages data in a memory backend and reads its
// references through a namespace configured from cfg.
func bundleReferences(ctx context.Context, cfg *config.Config, logger *slog.Logger, data []byte) ([]storage.BlobLocator, *storage.Stats, error) {
	options, err := bundle.OptionsFromConfig(cfg.Bundle)
	if err != nil {
		return nil, nil, err
	}
	options.Logger = logger

	backend := storage.NewMemoryBackend(nil)
	locator, err := backend.WriteBlob(ctx, "inspect", data, nil)
	if err != nil {
		return nil, nil, err
	}
	namespace, err := bundle.NewNamespace(backend, bundle.NewCache(int64(cfg.Cache.MaxSize)), options)
	if err != nil {
		return nil, nil, err
	}
	references, err := namespace.ReadBundleReferences(ctx, locator)
	if err != nil {
		return nil, nil, err
	}
	stats := storage.NewStats()
	namespace.GetStats(stats)
	return references, stats, nil
}
