package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/walbfs/walb"
	"github.com/walbfs/walb/backend"
	"github.com/walbfs/walb/internal/logging"
)

const usage = `walbctl - drive a walb engine's control surface

Usage:
  walbctl [flags] format
  walbctl [flags] lsids
  walbctl [flags] checkpoint
  walbctl [flags] snap-create <name> <lsid>
  walbctl [flags] snap-delete <name>
  walbctl [flags] snap-list
  walbctl [flags] resize <sectors>
  walbctl [flags] clear-log
  walbctl [flags] version

Flags:
`

func main() {
	var (
		logPath  = flag.String("log", "", "Path to the log device file (empty: in-memory)")
		dataPath = flag.String("data", "", "Path to the data device file (empty: in-memory)")
		logSize  = flag.String("log-size", "16M", "Log device size when creating (e.g. 16M, 1G)")
		dataSize = flag.String("data-size", "64M", "Data device size when creating")
		name     = flag.String("name", "walb0", "Device name stored in the super sector")
		direct   = flag.Bool("direct", false, "Open file devices with O_DIRECT")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := args[0]

	lsz, err := parseSize(*logSize)
	if err != nil {
		log.Fatalf("Invalid -log-size %q: %v", *logSize, err)
	}
	dsz, err := parseSize(*dataSize)
	if err != nil {
		log.Fatalf("Invalid -data-size %q: %v", *dataSize, err)
	}

	logDev, err := openDevice(*logPath, lsz, *direct)
	if err != nil {
		log.Fatalf("Open log device: %v", err)
	}
	defer logDev.Close()
	dataDev, err := openDevice(*dataPath, dsz, *direct)
	if err != nil {
		log.Fatalf("Open data device: %v", err)
	}
	defer dataDev.Close()

	params := walb.DefaultEngineParams(logDev, dataDev)
	params.Name = *name

	if cmd == "format" {
		if err := walb.Format(params); err != nil {
			log.Fatalf("format: %v", err)
		}
		fmt.Printf("formatted: log=%s data=%s\n", formatSize(logDev.Size()), formatSize(dataDev.Size()))
		return
	}

	engine, err := walb.Open(params, &walb.Options{Context: context.Background(), Logger: logger})
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Errorf("close: %v", err)
		}
	}()

	if err := run(engine, cmd, args[1:]); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(engine *walb.Engine, cmd string, args []string) error {
	switch cmd {
	case "lsids":
		fmt.Printf("oldest=%d written=%d permanent=%d completed=%d usage=%d capacity=%d overflow=%v frozen=%v\n",
			engine.OldestLSID(), engine.WrittenLSID(), engine.PermanentLSID(), engine.CompletedLSID(),
			engine.LogUsage(), engine.LogCapacity(), engine.IsLogOverflow(), engine.IsFrozen())
		return nil

	case "checkpoint":
		return engine.TakeCheckpoint()

	case "snap-create":
		if len(args) != 2 {
			return fmt.Errorf("usage: snap-create <name> <lsid>")
		}
		lsid, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid lsid %q: %w", args[1], err)
		}
		return engine.CreateSnapshot(args[0], lsid, 0)

	case "snap-delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: snap-delete <name>")
		}
		return engine.DeleteSnapshot(args[0])

	case "snap-list":
		recs, _ := engine.ListSnapshotFrom(0, 0)
		for _, r := range recs {
			fmt.Printf("%d\t%s\tlsid=%d\tts=%d\n", r.SnapshotID, r.Name, r.LSID, r.Timestamp)
		}
		return nil

	case "resize":
		if len(args) != 1 {
			return fmt.Errorf("usage: resize <sectors>")
		}
		sectors, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[0], err)
		}
		return engine.Resize(sectors)

	case "clear-log":
		return engine.ClearLog()

	case "version":
		fmt.Printf("walb version %d\n", walb.Version)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// openDevice opens a file-backed device, or an in-memory one when no
// path is given (handy for exercising the engine without touching
// disk).
func openDevice(path string, size int64, direct bool) (walb.BlockDevice, error) {
	if path == "" {
		return backend.NewMemory(size), nil
	}
	return backend.OpenFile(path, backend.FileOptions{CreateSize: size, Direct: direct})
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
