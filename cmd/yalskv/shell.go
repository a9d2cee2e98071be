package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/engine"
	"github.com/sergey-melnychuk/yalskv/pkg/telemetry"
)

const helpText = `
yalskv - a log-structured key-value store.

Commands:
  .help                   - Show this help message
  .open PATH              - Open a database at PATH
  .close                  - Close the current database
  .stats                  - Show database statistics
  .reduce                 - Seal the active log and merge sealed segments
  .exit                   - Exit the program

  PUT key value           - Store a key-value pair
  GET key                 - Retrieve a value by key
  DELETE key              - Delete a key
  SCAN                    - Scan all key-value pairs
  SCAN low                - Scan keys >= low
  SCAN low high           - Scan keys in [low, high]
`

// shell executes commands against at most one open engine
type shell struct {
	out    io.Writer
	logger log.Logger
	tel    telemetry.Telemetry

	eng  *engine.Engine
	path string
}

func newShell(out io.Writer, logger log.Logger, tel telemetry.Telemetry) *shell {
	return &shell{out: out, logger: logger, tel: tel}
}

func (s *shell) prompt() string {
	if s.path != "" {
		return fmt.Sprintf("yalskv:%s> ", s.path)
	}
	return "yalskv> "
}

func (s *shell) open(path string) error {
	eng, err := engine.OpenDir(path, engine.WithLogger(s.logger), engine.WithTelemetry(s.tel))
	if err != nil {
		return err
	}
	s.eng = eng
	s.path = path
	return nil
}

func (s *shell) close() error {
	if s.eng == nil {
		return nil
	}
	err := s.eng.Close()
	s.eng = nil
	s.path = ""
	return err
}

// exec runs one command line; it returns false once the shell should exit
func (s *shell) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		return s.execDot(strings.ToLower(cmd), parts[1:])
	}

	if s.eng == nil {
		fmt.Fprintln(s.out, "Error: No database open")
		return true
	}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			fmt.Fprintln(s.out, "Error: PUT requires key and value arguments")
			return true
		}
		if err := s.eng.Insert([]byte(parts[1]), []byte(strings.Join(parts[2:], " "))); err != nil {
			fmt.Fprintf(s.out, "Error putting value: %s\n", err)
			return true
		}
		fmt.Fprintln(s.out, "Value stored")

	case "GET":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: GET requires a key argument")
			return true
		}
		value, found, err := s.eng.Lookup([]byte(parts[1]))
		switch {
		case err != nil:
			fmt.Fprintf(s.out, "Error getting value: %s\n", err)
		case !found:
			fmt.Fprintln(s.out, "Key not found")
		default:
			fmt.Fprintf(s.out, "%s\n", value)
		}

	case "DELETE":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: DELETE requires a key argument")
			return true
		}
		if err := s.eng.Remove([]byte(parts[1])); err != nil {
			fmt.Fprintf(s.out, "Error deleting key: %s\n", err)
			return true
		}
		fmt.Fprintln(s.out, "Key deleted")

	case "SCAN":
		var low, high []byte
		if len(parts) > 1 {
			low = []byte(parts[1])
		}
		if len(parts) > 2 {
			high = []byte(parts[2])
		}
		s.scan(low, high)

	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", cmd)
	}
	return true
}

func (s *shell) scan(low, high []byte) {
	start := time.Now()
	it := s.eng.SortedScan(low, high)
	defer it.Close()

	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		fmt.Fprintf(s.out, "%s: %s\n", it.Key(), it.Value())
		count++
	}
	if err := it.Err(); err != nil {
		fmt.Fprintf(s.out, "Error scanning: %s\n", err)
		return
	}
	fmt.Fprintf(s.out, "%d entries found (%.2f ms)\n", count, float64(time.Since(start).Microseconds())/1000.0)
}

func (s *shell) execDot(cmd string, args []string) bool {
	switch cmd {
	case ".help":
		fmt.Fprint(s.out, helpText)

	case ".open":
		if len(args) < 1 {
			fmt.Fprintln(s.out, "Error: Missing path argument")
			return true
		}
		if err := s.close(); err != nil {
			fmt.Fprintf(s.out, "Error closing database: %s\n", err)
		}
		if err := s.open(args[0]); err != nil {
			fmt.Fprintf(s.out, "Error opening database: %s\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Database opened at %s\n", args[0])

	case ".close":
		if s.eng == nil {
			fmt.Fprintln(s.out, "No database open")
			return true
		}
		path := s.path
		if err := s.close(); err != nil {
			fmt.Fprintf(s.out, "Error closing database: %s\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Database %s closed\n", path)

	case ".reduce":
		if s.eng == nil {
			fmt.Fprintln(s.out, "No database open")
			return true
		}
		st, err := s.eng.Reduce(context.Background())
		if err != nil {
			fmt.Fprintf(s.out, "Error reducing: %s\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Reduced %d segments into %d, %d bytes reclaimed (%.2f ms)\n",
			st.SegmentsMerged, st.SegmentsWritten, st.BytesReclaimed, float64(st.Duration.Microseconds())/1000.0)

	case ".stats":
		if s.eng == nil {
			fmt.Fprintln(s.out, "No database open")
			return true
		}
		s.printStats(s.eng.Stats())

	case ".exit":
		if err := s.close(); err != nil {
			fmt.Fprintf(s.out, "Error closing database: %s\n", err)
		}
		fmt.Fprintln(s.out, "Goodbye!")
		return false

	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", cmd)
	}
	return true
}

// printStats prints flat counters first, then each nested group
func (s *shell) printStats(stats map[string]interface{}) {
	var flat, nested []string
	for k, v := range stats {
		if _, ok := v.(map[string]interface{}); ok {
			nested = append(nested, k)
		} else if _, ok := v.(map[string]uint64); ok {
			nested = append(nested, k)
		} else if !strings.HasPrefix(k, "last_") || !strings.HasSuffix(k, "_time") {
			flat = append(flat, k)
		}
	}
	sort.Strings(flat)
	sort.Strings(nested)

	for _, k := range flat {
		fmt.Fprintf(s.out, "  %s: %v\n", k, stats[k])
	}
	for _, k := range nested {
		fmt.Fprintf(s.out, "%s:\n", k)
		switch group := stats[k].(type) {
		case map[string]interface{}:
			printGroup(s.out, group)
		case map[string]uint64:
			m := make(map[string]interface{}, len(group))
			for gk, gv := range group {
				m[gk] = gv
			}
			printGroup(s.out, m)
		}
	}
}

func printGroup(out io.Writer, group map[string]interface{}) {
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, group[k])
	}
}
