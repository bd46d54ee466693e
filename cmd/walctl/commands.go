package main

import (
	"fmt"
	"sort"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/logs"
)

func newDumpCommand() *cobra.Command {
	var (
		from     uint64
		txnID    uint64
		withBody bool
	)
	m := &cobra.Command{
		Use:   "dump",
		Short: "Print log records",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			res, err := logs.Scan(walDir, from, func(rec *logs.Record) error {
				if txnID != 0 && rec.TxnID != txnID {
					return nil
				}
				fmt.Fprintln(out, rec.String())
				if withBody && rec.Kind == logs.KindCheckpoint {
					printCheckpoint(cmd, rec.Body)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if res.Torn {
				fmt.Fprintf(out, "torn tail in %s after %d bytes\n", res.Tail.Path, res.TailValid)
			}
			return nil
		},
	}
	m.Flags().Uint64Var(&from, "from", 0, "first lsn to print")
	m.Flags().Uint64Var(&txnID, "txn", 0, "only print records of this transaction")
	m.Flags().BoolVar(&withBody, "checkpoint-body", false, "decode checkpoint records")
	return m
}

func printCheckpoint(cmd *cobra.Command, body []byte) {
	out := cmd.OutOrStdout()
	cp, err := manager.DecodeCheckpoint(body)
	if err != nil {
		fmt.Fprintf(out, "  <bad checkpoint body: %v>\n", err)
		return
	}
	fmt.Fprintf(out, "  begin=%d redo=%d low=%d next_txn=%d next_page=%d\n",
		cp.BeginLSN, cp.RedoLSN(), cp.LowWaterLSN(), cp.NextTxnID, cp.NextPageID)
	for _, e := range cp.TxnTable {
		fmt.Fprintf(out, "  txn=%d first=%d last=%d status=%s\n", e.TxnID, e.FirstLSN, e.LastLSN, e.Status)
	}
	pages := make([]uint64, 0, len(cp.DirtyPages))
	for id := range cp.DirtyPages {
		pages = append(pages, id)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	for _, id := range pages {
		fmt.Fprintf(out, "  page=%d rec_lsn=%d\n", id, cp.DirtyPages[id])
	}
}

func newVerifyCommand() *cobra.Command {
	var (
		dataFile string
		pageSize int
	)
	m := &cobra.Command{
		Use:   "verify",
		Short: "Check every record checksum and optionally every page checksum",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			segs, err := logs.ListSegments(walDir)
			if err != nil {
				return err
			}
			res, err := logs.Scan(walDir, 0, func(*logs.Record) error { return nil })
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "segments=%d records=%d first_lsn=%d last_lsn=%d torn=%v\n",
				len(segs), res.Records, res.FirstLSN, res.LastLSN, res.Torn)

			master, err := manager.ReadMaster(walDir)
			if err != nil {
				return err
			}
			if master > 0 {
				cp, err := manager.ReadCheckpoint(walDir, master)
				if err != nil {
					return err
				}
				if cp == nil {
					return errors.Errorf("master points at lsn %d but no checkpoint record is there", master)
				}
				fmt.Fprintf(out, "checkpoint=%d low_water=%d\n", master, cp.LowWaterLSN())
			}

			if dataFile == "" {
				return nil
			}
			store, err := manager.OpenFilePageStore(dataFile, pageSize)
			if err != nil {
				return err
			}
			defer store.Close()
			ids, err := store.PageIDs()
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := store.ReadPage(id); err != nil {
					return errors.Annotatef(err, "page %d", id)
				}
			}
			fmt.Fprintf(out, "pages=%d ok\n", len(ids))
			return nil
		},
	}
	m.Flags().StringVar(&dataFile, "data", "", "page file to verify")
	m.Flags().IntVar(&pageSize, "page-size", manager.DefaultPageSize, "page size of the data file")
	return m
}

func newRecoverCommand() *cobra.Command {
	var configPath string
	m := &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery against the configured page file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.LogConfig()); err != nil {
				return err
			}
			tm, err := manager.OpenTransactionManager(manager.TxnManagerConfigFromCfg(cfg), nil)
			if err != nil {
				return err
			}
			s := tm.Stats().Recovery
			fmt.Fprintf(cmd.OutOrStdout(),
				"checkpoint=%d analysis_from=%d redo_from=%d end=%d analyzed=%d redone=%d skipped=%d losers=%d undone=%d duration=%s\n",
				s.CheckpointLSN, s.AnalysisLSN, s.RedoLSN, s.EndLSN, s.Analyzed, s.Redone, s.Skipped, s.Losers, s.Undone, s.Duration)
			return tm.Close()
		},
	}
	m.Flags().StringVar(&configPath, "config", "", "config file")
	return m
}

func newArchiveCommand() *cobra.Command {
	var before uint64
	m := &cobra.Command{
		Use:   "archive",
		Short: "Compress segments that recovery no longer needs into the archive directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			master, err := manager.ReadMaster(walDir)
			if err != nil {
				return err
			}
			if master == 0 {
				return errors.New("no checkpoint yet, every segment is still needed")
			}
			cp, err := manager.ReadCheckpoint(walDir, master)
			if err != nil {
				return err
			}
			if cp == nil {
				return errors.Errorf("checkpoint record %d not found", master)
			}
			low := cp.LowWaterLSN()
			if before == 0 || before > low {
				before = low
			}

			wal, err := manager.OpenWALManager(manager.WALConfig{Dir: walDir, ArchiveDir: archiveDir})
			if err != nil {
				return err
			}
			n, err := wal.Truncate(before)
			if cerr := wal.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d segments before lsn %d\n", n, before)
			return nil
		},
	}
	m.Flags().Uint64Var(&before, "before", 0, "archive segments wholly below this lsn (capped at the checkpoint low-water mark)")
	return m
}

func newRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore archive...",
		Short: "Decompress archived segments back into the wal directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				dst, err := logs.RestoreSegment(path, walDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", dst)
			}
			return nil
		},
	}
}
