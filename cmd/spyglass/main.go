// OpenSOC/Spyglass - command line interface
// Copyright (C) 2024 The OpenSOC Developers; All Rights Reserved
// <dev (at) opensoc (dot) io>

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	spyglass "github.com/opensoc/spyglass"
)

var (
	flag_config string
	flag_dir    string

	flag_layout     string
	flag_format     string
	flag_max_events uint64
	flag_seed       int64

	flag_type  string
	flag_attr  string
	flag_limit int
)

func main() {
	root := &cobra.Command{
		Use:           "spyglass",
		Short:         "Telemetry search engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}
	root.PersistentFlags().StringVar(&flag_config, "config", "", "configuration file")
	root.PersistentFlags().StringVarP(&flag_dir, "dir", "d", "", "database directory (overrides config)")

	import_cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Ingest events into the index",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runImport,
	}
	import_cmd.Flags().StringVar(&flag_layout, "layout", "conn", "builtin layout: conn, dns, syslog")
	import_cmd.Flags().StringVar(&flag_format, "format", "json", "input format: json, test")
	import_cmd.Flags().Uint64Var(&flag_max_events, "max-events", 0, "cap events to ingest (0 = unlimited)")
	import_cmd.Flags().Int64Var(&flag_seed, "seed", 42, "seed for the test format")

	query_cmd := &cobra.Command{
		Use:   "query <field> <op> <value>",
		Short: "Evaluate one predicate against the index",
		Long: "Evaluate one predicate against the index.\n" +
			"Use --type or --attr instead of a field path to select columns\n" +
			"by semantic type or attribute.",
		Args: cobra.RangeArgs(2, 3),
		RunE: runQuery,
	}
	query_cmd.Flags().StringVar(&flag_type, "type", "", "match columns by semantic type, e.g. addr")
	query_cmd.Flags().StringVar(&flag_attr, "attr", "", "match columns by attribute, e.g. timestamp")
	query_cmd.Flags().IntVar(&flag_limit, "limit", 20, "IDs to print")

	status_cmd := &cobra.Command{
		Use:   "status",
		Short: "Print importer and index counters",
		RunE:  runStatus,
	}

	root.AddCommand(import_cmd, query_cmd, status_cmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "spyglass: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	file := flag_config
	if file == "" {
		file = spyglass.FindConfigFile()
	}
	if file != "" {
		viper.SetConfigFile(file)
		viper.SetConfigType("ini")
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration: %w", err)
		}
	}
	if errors := spyglass.ConfigureVariables(); errors > 0 {
		return fmt.Errorf("%d errors reading configuration", errors)
	}
	return nil
}

func dbDirectory() string {
	if flag_dir != "" {
		return flag_dir
	}
	return spyglass.ConfiguredDBDirectory()
}

func runImport(cmd *cobra.Command, args []string) error {
	layout := spyglass.BuiltinLayout(flag_layout)
	if layout == nil {
		return fmt.Errorf("unknown layout '%s'", flag_layout)
	}

	max_events := flag_max_events
	if max_events == 0 {
		max_events = spyglass.ConfiguredImportMaxEvents()
	}

	var reader spyglass.Reader
	switch flag_format {
	case "test":
		n := int(max_events)
		if n == 0 {
			n = 100000
		}
		reader = spyglass.NewTestReader(layout, flag_seed, n)
	case "json":
		input := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			input = f
		}
		reader = spyglass.NewJSONReader(layout, input)
	default:
		return fmt.Errorf("unknown format '%s'", flag_format)
	}

	dir := dbDirectory()
	imp, err := spyglass.NewImporter(dir)
	if err != nil {
		return err
	}
	idx, err := spyglass.NewIndex(dir, spyglass.ConfiguredIndex())
	if err != nil {
		return err
	}
	imp.RegisterIndex(idx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	imp_ctx, imp_cancel := context.WithCancel(context.Background())
	idx_ctx, idx_cancel := context.WithCancel(context.Background())
	imp_done := make(chan error, 1)
	idx_done := make(chan error, 1)
	go func() { imp_done <- imp.Run(imp_ctx) }()
	go func() { idx_done <- idx.Run(idx_ctx) }()

	total := uint64(0)
	batch := 4096
	for ctx.Err() == nil {
		left := 0 // 0 = unlimited
		if max_events > 0 {
			if total >= max_events {
				break
			}
			left = int(max_events - total)
		}
		err := reader.Read(left, batch, func(s *spyglass.Slice) {
			total += uint64(s.Rows())
			imp.In() <- s
		})
		if err != nil {
			if spyglass.IsEndOfInput(err) {
				break
			}
			if spyglass.IsTimeout(err) {
				continue
			}
			fmt.Fprintf(os.Stderr, "spyglass: %s: %v\n", reader.Name(), err)
			break
		}
	}

	// Orderly teardown: importer first so the index sees every slice.
	imp_cancel()
	if err := <-imp_done; err != nil {
		idx_cancel()
		<-idx_done
		return err
	}
	time.Sleep(50 * time.Millisecond) // let the index mailbox drain
	idx_cancel()
	if err := <-idx_done; err != nil {
		return err
	}

	fmt.Printf("imported %d events into %s\n", total, dir)
	return nil
}

func parseOp(s string) (spyglass.RelOp, error) {
	switch s {
	case "==", "eq":
		return spyglass.OpEq, nil
	case "!=", "ne":
		return spyglass.OpNe, nil
	case "<", "lt":
		return spyglass.OpLt, nil
	case "<=", "le":
		return spyglass.OpLe, nil
	case ">", "gt":
		return spyglass.OpGt, nil
	case ">=", "ge":
		return spyglass.OpGe, nil
	case "in":
		return spyglass.OpIn, nil
	case "!in", "ni":
		return spyglass.OpNi, nil
	case "~", "match":
		return spyglass.OpMatch, nil
	}
	return spyglass.OpEq, fmt.Errorf("unknown operator '%s'", s)
}

// parseOperand tries the typed renderings from most to least specific,
// falling back to a plain string.
func parseOperand(s string) spyglass.Val {
	if v, err := spyglass.ParseSubnetVal(s); err == nil {
		return v
	}
	if a, err := spyglass.ParseAddr(s); err == nil {
		return spyglass.NewAddrVal(a)
	}
	if strings.Contains(s, "/") {
		if v, err := spyglass.ParsePortVal(s); err == nil {
			return v
		}
	}
	if s == "true" || s == "false" {
		return spyglass.NewBool(s == "true")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return spyglass.NewInt(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return spyglass.NewCount(u)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return spyglass.NewReal(f)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return spyglass.NewTime(t)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return spyglass.NewDuration(d)
	}
	return spyglass.NewString(s)
}

func runQuery(cmd *cobra.Command, args []string) error {
	var extractor spyglass.Extractor
	rest := args
	switch {
	case flag_type != "":
		t, ok := parseSemType(flag_type)
		if !ok {
			return fmt.Errorf("unknown semantic type '%s'", flag_type)
		}
		extractor = spyglass.TypeExtractor(t)
	case flag_attr != "":
		extractor = spyglass.AttrExtractor(flag_attr)
	default:
		if len(args) != 3 {
			return fmt.Errorf("usage: query <field> <op> <value>")
		}
		extractor = spyglass.FieldExtractor(args[0])
		rest = args[1:]
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: query [--type|--attr] <op> <value>")
	}

	op, err := parseOp(rest[0])
	if err != nil {
		return err
	}
	operand := parseOperand(rest[1])
	expr := spyglass.NewPred(extractor, op, operand)

	idx, err := spyglass.NewIndex(dbDirectory(), spyglass.ConfiguredIndex())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()

	q := idx.Query(expr)
	scheduled := spyglass.ConfiguredIndex().TastePartitions
	if scheduled > q.Candidates {
		scheduled = q.Candidates
	}
	if q.Candidates > scheduled {
		q.More(q.Candidates - scheduled) // CLI wants everything at once
	}

	var all []uint64
	for res := range q.Results {
		it := res.IDs.Iterator()
		for it.HasNext() {
			all = append(all, it.Next())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	fmt.Printf("query %s: %d candidate partitions, %d matching events\n",
		q.ID, q.Candidates, len(all))
	for i, id := range all {
		if i >= flag_limit {
			fmt.Printf("... %d more\n", len(all)-flag_limit)
			break
		}
		fmt.Println(id)
	}

	cancel()
	return <-done
}

func parseSemType(s string) (spyglass.SemType, bool) {
	for _, t := range []spyglass.SemType{
		spyglass.TypeBool, spyglass.TypeInt, spyglass.TypeCount, spyglass.TypeReal,
		spyglass.TypeTime, spyglass.TypeDuration, spyglass.TypeString,
		spyglass.TypeAddr, spyglass.TypeSubnet, spyglass.TypePort, spyglass.TypeList,
	} {
		if t.String() == s {
			return t, true
		}
	}
	return spyglass.TypeBool, false
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := dbDirectory()

	imp, err := spyglass.NewImporter(dir)
	if err != nil {
		return err
	}
	idx, err := spyglass.NewIndex(dir, spyglass.ConfiguredIndex())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	imp_done := make(chan error, 1)
	idx_done := make(chan error, 1)
	go func() { imp_done <- imp.Run(ctx) }()
	go func() { idx_done <- idx.Run(ctx) }()

	printSection := func(name string, kv map[string]string) {
		fmt.Printf("[%s]\n", name)
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-24s %s\n", k, kv[k])
		}
	}

	printSection("importer", imp.Status(spyglass.StatusDetailed))
	printSection("index", idx.Status())

	cancel()
	<-imp_done
	<-idx_done
	return nil
}

// EOF
