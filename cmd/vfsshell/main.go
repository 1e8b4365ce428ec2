// Command vfsshell is a thin interactive demo client of the engine,
// with just the commands needed to exercise the core library directly
// (no directory tree - files are created and addressed by name in a
// flat, in-memory table owned by the shell itself, not the engine).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/kartikbazzad/vfsdb/internal/config"
	"github.com/kartikbazzad/vfsdb/internal/diff"
	vfsdberrors "github.com/kartikbazzad/vfsdb/internal/errors"
	"github.com/kartikbazzad/vfsdb/internal/fileobject"
	"github.com/kartikbazzad/vfsdb/internal/lock"
	"github.com/kartikbazzad/vfsdb/internal/logger"
	"github.com/kartikbazzad/vfsdb/internal/registry"
	"github.com/kartikbazzad/vfsdb/internal/txengine"
	"github.com/kartikbazzad/vfsdb/internal/types"
	"github.com/kartikbazzad/vfsdb/internal/workload"
)

const prompt = "vfsdb> "

const historyFile = ".vfsshell_history"

func main() {
	cfg := config.DefaultConfig()
	log := logger.Default()

	reg, err := registry.Open(cfg.Registry.DSN, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open transaction registry: %v\n", err)
		os.Exit(1)
	}
	defer reg.Close()

	engine := txengine.New(lock.New(), reg, cfg, log)

	sh := &shell{
		engine: engine,
		cfg:    cfg,
		log:    log,
		files:  make(map[string]*fileobject.File),
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Println("vfsdb shell. Type .help for commands.")

	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "input error: %v\n", err)
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == ".exit" {
			break
		}
		sh.dispatch(input)
	}

	if f, err := os.Create(historyFile); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
}

type shell struct {
	engine *txengine.Engine
	cfg    *config.Config
	log    *logger.Logger

	files map[string]*fileobject.File

	tx *txengine.Transaction
}

func (s *shell) dispatch(line string) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	var err error
	switch cmd {
	case ".help":
		printHelp()
	case ".touch":
		err = s.cmdTouch(args)
	case ".ls":
		s.cmdLS()
	case ".begin":
		err = s.cmdBegin(args)
	case ".read":
		err = s.cmdRead(args)
	case ".write":
		err = s.cmdWrite(args)
	case ".commit":
		err = s.cmdCommit()
	case ".abort":
		err = s.cmdAbort()
	case ".status":
		err = s.cmdStatus(args)
	case ".compact":
		err = s.cmdCompact(args)
	case ".load":
		err = s.cmdLoad(args)
	case ".stats":
		s.cmdStats()
	case ".critical":
		s.cmdCritical()
	default:
		err = fmt.Errorf("unknown command %q (try .help)", cmd)
	}

	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
	}
}

func printHelp() {
	fmt.Println("File lifecycle:")
	fmt.Println("  .touch <name>              create an empty file object")
	fmt.Println("  .ls                        list known files")
	fmt.Println()
	fmt.Println("Transactions:")
	fmt.Println("  .begin <READ_UNCOMMITTED|READ_COMMITTED|SNAPSHOT>")
	fmt.Println("  .read <name>               read a file within the open transaction")
	fmt.Println("  .write <name> <content>    diff current content -> content, buffer it")
	fmt.Println("  .commit                    commit the open transaction")
	fmt.Println("  .abort                     abort the open transaction")
	fmt.Println("  .status <txn_id>           print a transaction's persisted status")
	fmt.Println()
	fmt.Println("Maintenance:")
	fmt.Println("  .compact <name>            compact a file's version log up to now")
	fmt.Println("  .load <name> <n>           run n concurrent auto-committed writers against a file")
	fmt.Println("  .stats                     engine diagnostics")
	fmt.Println("  .critical                  list recorded ROLLBACK_FAILED alerts")
	fmt.Println("  .exit                      quit")
}

func (s *shell) cmdTouch(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: .touch <name>")
	}
	name := args[0]
	if _, exists := s.files[name]; exists {
		return fmt.Errorf("file %q already exists", name)
	}
	id := fileobject.NewID()
	s.files[name] = fileobject.New(id, name, s.cfg.ReadCache.EntriesPerFile, s.log)
	fmt.Printf("created %s (id=%s)\n", name, id)
	return nil
}

func (s *shell) cmdLS() {
	if len(s.files) == 0 {
		fmt.Println("(no files)")
		return
	}
	for name, f := range s.files {
		fmt.Printf("%s\tid=%s\tversions=%d\n", name, f.ID(), f.VersionCount())
	}
}

func (s *shell) cmdBegin(args []string) error {
	if s.tx != nil {
		return fmt.Errorf("transaction %s already open; .commit or .abort first", s.tx.ID())
	}
	level := s.cfg.Isolation.Default
	if len(args) == 1 {
		switch strings.ToUpper(args[0]) {
		case "READ_UNCOMMITTED":
			level = types.ReadUncommitted
		case "READ_COMMITTED":
			level = types.ReadCommitted
		case "SNAPSHOT":
			level = types.Snapshot
		default:
			return fmt.Errorf("unknown isolation level %q", args[0])
		}
	}
	tx, err := s.engine.Begin(level)
	if err != nil {
		return err
	}
	s.tx = tx
	fmt.Printf("began %s (%s)\n", tx.ID(), level)
	return nil
}

func (s *shell) cmdRead(args []string) error {
	if s.tx == nil {
		return fmt.Errorf("no open transaction; .begin first")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: .read <name>")
	}
	f, ok := s.files[args[0]]
	if !ok {
		return fmt.Errorf("no such file %q", args[0])
	}
	content, err := s.tx.Read(f)
	if err != nil {
		return err
	}
	fmt.Printf("%q\n", content)
	return nil
}

func (s *shell) cmdWrite(args []string) error {
	if s.tx == nil {
		return fmt.Errorf("no open transaction; .begin first")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: .write <name> <content...>")
	}
	name := args[0]
	newContent := strings.Join(args[1:], " ")

	f, ok := s.files[name]
	if !ok {
		return fmt.Errorf("no such file %q", name)
	}

	current, err := s.tx.Read(f)
	if err != nil {
		return err
	}
	batch := diff.Diff(current, newContent)
	if err := s.tx.Write(f, batch); err != nil {
		return err
	}
	fmt.Printf("buffered %d op(s)\n", len(batch))
	return nil
}

func (s *shell) cmdCommit() error {
	if s.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := s.engine.Commit(tx); err != nil {
		if kind, ok := vfsdberrors.KindOf(err); ok {
			fmt.Printf("commit ended with %s\n", kind)
		}
		return err
	}
	fmt.Printf("committed %s\n", tx.ID())
	return nil
}

func (s *shell) cmdAbort() error {
	if s.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := s.engine.Abort(tx); err != nil {
		return err
	}
	fmt.Printf("aborted %s\n", tx.ID())
	return nil
}

func (s *shell) cmdStatus(args []string) error {
	txnID := args
	if s.tx != nil && len(args) == 0 {
		txnID = []string{s.tx.ID()}
	}
	if len(txnID) != 1 {
		return fmt.Errorf("usage: .status <txn_id>")
	}
	meta, err := s.engine.Status(txnID[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: status=%s start=%s\n", meta.TxnID, meta.Status, meta.StartTime)
	return nil
}

func (s *shell) cmdCompact(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: .compact <name>")
	}
	f, ok := s.files[args[0]]
	if !ok {
		return fmt.Errorf("no such file %q", args[0])
	}
	if f.ActiveCount() > 0 {
		return fmt.Errorf("file %q has %d active transaction(s), cannot compact", args[0], f.ActiveCount())
	}
	// Wall-clock now is always >= every existing version timestamp, so
	// Compact's "every version timestamp <= upTo" guard is satisfied
	// whenever no transaction is concurrently mid-commit.
	compacted := f.Compact(time.Now().UTC())
	fmt.Printf("compact: %v\n", compacted)
	return nil
}

func (s *shell) cmdLoad(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: .load <name> <n>")
	}
	f, ok := s.files[args[0]]
	if !ok {
		return fmt.Errorf("no such file %q", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return fmt.Errorf("transaction count must be a positive integer, got %q", args[1])
	}

	runner, err := workload.New(s.cfg.Workload.WorkerCount, s.cfg.Workload.QueueDepth, s.log)
	if err != nil {
		return err
	}
	defer runner.Release()

	tasks := make([]workload.Task, n)
	for i := range tasks {
		tasks[i] = func() error {
			return txengine.WithTransaction(s.engine, types.Snapshot, func(tx *txengine.Transaction) error {
				current, err := tx.Read(f)
				if err != nil {
					return err
				}
				updated := fmt.Sprintf("%swriter %d\n", current, i)
				return tx.Write(f, diff.Diff(current, updated))
			})
		}
	}

	start := time.Now()
	runErr := runner.Run(context.Background(), tasks)
	fmt.Printf("ran %d transaction(s) in %s, file now at %d version(s)\n",
		n, time.Since(start).Round(time.Millisecond), f.VersionCount())
	return runErr
}

func (s *shell) cmdStats() {
	stats := s.engine.Stats()
	fmt.Println(stats)
	for status, count := range stats.ByStatus {
		fmt.Printf("  %s: %d\n", status, count)
	}
}

func (s *shell) cmdCritical() {
	alerts := s.engine.CriticalAlerts()
	if len(alerts) == 0 {
		fmt.Println("(no critical alerts)")
		return
	}
	for _, a := range alerts {
		fmt.Printf("%s\t%s\t%v\n", a.TxnID, a.OccurredAt, a.Error)
	}
}
